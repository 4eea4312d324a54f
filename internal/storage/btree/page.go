package btree

import (
	"github.com/termindex/termindex/internal/storage"
)

// knownLeaf marks a directory slot whose child page is known to be a
// leaf on disk. Leaves are never cached as separate page structs; they
// are swapped through the tree's shared leaf slot instead.
var knownLeaf = &page{}

// page is the in-memory image of one on-disk page. Internal nodes carry
// a directory parallel to their bucket entries: nil means the child has
// not been explored yet, knownLeaf means it is a leaf, and any other
// pointer is a cached child node.
type page struct {
	loc       storage.Loc
	buf       []byte
	parent    *page
	directory []*page
	dirty     bool
	loaded    bool
}

// insertChild inserts p at position i, shifting later entries right.
func insertChild(dir []*page, i int, p *page) []*page {
	dir = append(dir, nil)
	copy(dir[i+1:], dir[i:])
	dir[i] = p
	return dir
}

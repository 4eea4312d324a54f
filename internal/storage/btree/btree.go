// Package btree implements the paged B+ tree that stores the term
// vocabulary. Internal nodes are kept in memory once explored; leaf
// pages are swapped through a single shared slot so that a tree of any
// size needs only a handful of page buffers.
package btree

import (
	"errors"
	"fmt"
	"os"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/btpage"
	"github.com/termindex/termindex/internal/storage/bucket"
)

// Tree errors.
var (
	ErrTooBig    = errors.New("btree: entry larger than a quarter page")
	ErrNotFound  = errors.New("btree: term not found")
	ErrIterDone  = errors.New("btree: iterator exhausted")
	ErrIterStale = errors.New("btree: tree modified outside iterator")
	ErrCorrupt   = errors.New("btree: page image is corrupt")
)

// FreeMap hands out and reclaims page-sized regions of the index files.
type FreeMap interface {
	Alloc(size uint64) (storage.Loc, error)
	AllocAt(loc storage.Loc, size uint64) error
	Free(loc storage.Loc, size uint64)
}

// FilePool pins numbered index files for positioned reads and writes.
// Pinned files are accessed with ReadAt and WriteAt only, so the file
// offset is never disturbed.
type FilePool interface {
	Pin(fileno uint32) (*os.File, error)
	Unpin(fileno uint32) error
}

// Tree is a B+ tree of term entries over numbered page files.
// It is not safe for concurrent use.
type Tree struct {
	pageSize int
	leaves   bucket.Codec
	nodes    bucket.Codec
	params   storage.Params
	freemap  FreeMap
	files    FilePool
	verify   int

	root    *page
	leaf    *page // shared slot leaf pages are swapped through
	tmp     *page // scratch page consumed by leaf splits
	right   storage.Loc
	entries uint64
	levels  int
	stamp   uint64
}

// Stats summarises the space accounting of a tree.
type Stats struct {
	Pages    int
	Leaves   int
	Nodes    int
	Entries  uint64
	Levels   int
	Utilised uint64 // value bytes held in leaves
	Overhead uint64 // page bytes not spent on keys or values
}

// New creates an empty tree consisting of one self-threaded leaf page.
// verify greater than zero makes every mutating operation re-check the
// full tree invariant on entry, which is slow and meant for tests.
func New(params storage.Params, fm FreeMap, files FilePool, verify int) (*Tree, error) {
	t, err := newTree(params, fm, files, verify)
	if err != nil {
		return nil, err
	}

	root := t.newScratch()
	loc, err := fm.Alloc(uint64(t.pageSize))
	if err != nil {
		return nil, err
	}
	root.loc = loc
	root.loaded = true
	root.dirty = true

	f := t.frame(root)
	if _, err := f.Init(true, nil, loc); err != nil {
		return nil, err
	}
	if err := t.leaves.Init(f.Bucket()); err != nil {
		return nil, err
	}

	t.root = root
	t.leaf = root
	t.tmp = t.newScratch()
	t.right = loc
	t.levels = 1
	return t, nil
}

// Load opens a tree rooted at root, re-registering every page with the
// free map and recounting the stored entries. It walks the whole tree,
// which caches all internal nodes in memory.
func Load(params storage.Params, fm FreeMap, files FilePool, root storage.Loc, verify int) (*Tree, error) {
	t, err := loadRoot(params, fm, files, root, verify)
	if err != nil {
		return nil, err
	}

	err = t.walkPages(func(p *page, leaf bool) error {
		if err := fm.AllocAt(p.loc, uint64(t.pageSize)); err != nil {
			return err
		}
		if leaf {
			t.entries += uint64(t.leaves.Entries(t.frame(p).Bucket()))
			t.right = p.loc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The walk explored every node, so the depth can be read off the
	// leftmost directory chain.
	t.levels = 1
	if !t.frame(t.root).Leaf() {
		t.levels++
		for p := t.root; len(p.directory) > 0 && p.directory[0] != knownLeaf; p = p.directory[0] {
			if p.directory[0] == nil {
				return nil, fmt.Errorf("%w: unexplored child after full walk", ErrCorrupt)
			}
			t.levels++
		}
	}
	return t, nil
}

// LoadQuick opens a tree rooted at root without registering pages with
// the free map, descending only the rightmost edge to find the last
// leaf. entries must be the stored entry count. The result is suitable
// for lookups and iteration, but not for operations that allocate
// pages.
func LoadQuick(params storage.Params, fm FreeMap, files FilePool, root storage.Loc, entries uint64, verify int) (*Tree, error) {
	t, err := loadRoot(params, fm, files, root, verify)
	if err != nil {
		return nil, err
	}
	t.entries = entries

	t.levels = 1
	curr := t.root
	for !t.frame(curr).Leaf() {
		b := t.frame(curr).Bucket()
		n := t.nodes.Entries(b)
		if n == 0 {
			return nil, fmt.Errorf("%w: empty internal node", ErrCorrupt)
		}
		last := n - 1
		if child := curr.directory[last]; child != nil && child != knownLeaf {
			curr = child
			t.levels++
			continue
		}
		loc := btpage.GetEntry(t.nodes.ValueAt(b, last), t.params.Order())
		if err := t.fetchLeaf(loc, curr); err != nil {
			return nil, err
		}
		if t.frame(t.leaf).Leaf() {
			curr.directory[last] = knownLeaf
			curr = t.leaf
		} else {
			curr.directory[last] = t.leaf
			t.leaf.parent = curr
			curr = t.leaf
			t.leaf = t.newScratch()
		}
		t.levels++
	}
	t.right = curr.loc
	return t, nil
}

func newTree(params storage.Params, fm FreeMap, files FilePool, verify int) (*Tree, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	order := params.Order()
	return &Tree{
		pageSize: int(params.PageSize),
		leaves:   bucket.New(params.LeafStrategy, order),
		nodes:    bucket.New(params.NodeStrategy, order),
		params:   params,
		freemap:  fm,
		files:    files,
		verify:   verify,
	}, nil
}

func loadRoot(params storage.Params, fm FreeMap, files FilePool, root storage.Loc, verify int) (*Tree, error) {
	t, err := newTree(params, fm, files, verify)
	if err != nil {
		return nil, err
	}

	rp := t.newScratch()
	if err := t.readPage(root, rp, nil); err != nil {
		return nil, err
	}
	t.root = rp
	if t.frame(rp).Leaf() {
		t.leaf = rp
	} else {
		t.leaf = t.newScratch()
	}
	t.tmp = t.newScratch()
	t.right = root
	t.levels = 1
	return t, nil
}

func (t *Tree) newScratch() *page {
	return &page{buf: make([]byte, t.pageSize)}
}

func (t *Tree) frame(p *page) btpage.Frame {
	return btpage.NewFrame(p.buf, t.params.Order())
}

// readPage reads the page at loc into p and classifies it, sizing the
// directory for internal nodes.
func (t *Tree) readPage(loc storage.Loc, p *page, parent *page) error {
	f, err := t.files.Pin(loc.FileNo)
	if err != nil {
		return err
	}
	_, err = f.ReadAt(p.buf, int64(loc.Offset))
	if uerr := t.files.Unpin(loc.FileNo); err == nil {
		err = uerr
	}
	if err != nil {
		return fmt.Errorf("btree: read page %v: %w", loc, err)
	}

	p.loc = loc
	p.loaded = true
	p.dirty = false
	p.parent = parent
	if t.frame(p).Leaf() {
		p.directory = nil
	} else {
		p.directory = make([]*page, t.nodes.Entries(t.frame(p).Bucket()))
	}
	return nil
}

func (t *Tree) writePage(p *page) error {
	f, err := t.files.Pin(p.loc.FileNo)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(p.buf, int64(p.loc.Offset))
	if uerr := t.files.Unpin(p.loc.FileNo); err == nil {
		err = uerr
	}
	if err != nil {
		return fmt.Errorf("btree: write page %v: %w", p.loc, err)
	}
	p.dirty = false
	return nil
}

// fetchLeaf makes the page at loc current in the shared leaf slot,
// writing out the previous occupant first if it is dirty.
func (t *Tree) fetchLeaf(loc storage.Loc, parent *page) error {
	if t.leaf.loaded && t.leaf.loc == loc {
		if parent != nil {
			t.leaf.parent = parent
		}
		return nil
	}
	if t.leaf.dirty {
		if err := t.writePage(t.leaf); err != nil {
			return err
		}
	}
	return t.readPage(loc, t.leaf, parent)
}

// walkPages visits every page of the tree in pre-order, reading
// unexplored children as it goes. Nodes discovered on the way are
// promoted into the in-memory cache; leaves pass through the shared
// leaf slot, so at most one leaf is resident at a time.
func (t *Tree) walkPages(fn func(p *page, leaf bool) error) error {
	if t.frame(t.root).Leaf() {
		return fn(t.root, true)
	}
	if err := fn(t.root, false); err != nil {
		return err
	}

	type walkFrame struct {
		p    *page
		next int
	}
	stack := []walkFrame{{p: t.root}}
	for len(stack) > 0 {
		fr := &stack[len(stack)-1]
		b := t.frame(fr.p).Bucket()
		n := t.nodes.Entries(b)
		if fr.next >= n {
			stack = stack[:len(stack)-1]
			continue
		}
		i := fr.next
		fr.next++

		if child := fr.p.directory[i]; child != nil && child != knownLeaf {
			if err := fn(child, false); err != nil {
				return err
			}
			stack = append(stack, walkFrame{p: child})
			continue
		}

		loc := btpage.GetEntry(t.nodes.ValueAt(b, i), t.params.Order())
		if err := t.fetchLeaf(loc, fr.p); err != nil {
			return err
		}
		if t.frame(t.leaf).Leaf() {
			fr.p.directory[i] = knownLeaf
			if err := fn(t.leaf, true); err != nil {
				return err
			}
		} else {
			node := t.leaf
			fr.p.directory[i] = node
			node.parent = fr.p
			t.leaf = t.newScratch()
			if err := fn(node, false); err != nil {
				return err
			}
			stack = append(stack, walkFrame{p: node})
		}
	}
	return nil
}

// inmemNodes returns the cached internal pages in pre-order.
func (t *Tree) inmemNodes() []*page {
	if t.frame(t.root).Leaf() {
		return nil
	}
	var pages []*page
	var walk func(p *page)
	walk = func(p *page) {
		pages = append(pages, p)
		for _, c := range p.directory {
			if c != nil && c != knownLeaf {
				walk(c)
			}
		}
	}
	walk(t.root)
	return pages
}

// Flush writes every dirty page to its file.
func (t *Tree) Flush() error {
	for _, p := range t.inmemNodes() {
		if p.dirty {
			if err := t.writePage(p); err != nil {
				return err
			}
		}
	}
	if t.leaf.dirty {
		if err := t.writePage(t.leaf); err != nil {
			return err
		}
	}
	if t.root.dirty {
		if err := t.writePage(t.root); err != nil {
			return err
		}
	}
	return nil
}

// Clear releases every page back to the free map and reinitialises the
// tree as a single empty self-threaded leaf.
func (t *Tree) Clear() error {
	t.stamp++
	if err := t.verifyNow(); err != nil {
		return err
	}

	var locs []storage.Loc
	err := t.walkPages(func(p *page, leaf bool) error {
		locs = append(locs, p.loc)
		return nil
	})
	if err != nil {
		return err
	}
	for _, loc := range locs {
		t.freemap.Free(loc, uint64(t.pageSize))
	}

	loc, err := t.freemap.Alloc(uint64(t.pageSize))
	if err != nil {
		return err
	}

	root := t.leaf
	root.loc = loc
	root.loaded = true
	root.dirty = true
	root.parent = nil
	root.directory = nil

	f := t.frame(root)
	if _, err := f.Init(true, nil, loc); err != nil {
		return err
	}
	if err := t.leaves.Init(f.Bucket()); err != nil {
		return err
	}

	t.root = root
	t.right = loc
	t.entries = 0
	t.levels = 1
	return nil
}

// Root returns the location of the root page.
func (t *Tree) Root() storage.Loc { return t.root.loc }

// Entries returns the number of stored terms.
func (t *Tree) Entries() uint64 { return t.entries }

// Levels returns the depth of the tree.
func (t *Tree) Levels() int { return t.levels }

// PageSize returns the page size in bytes.
func (t *Tree) PageSize() int { return t.pageSize }

// Pages counts the pages of the tree, walking it fully.
func (t *Tree) Pages() (total, leaves, nodes int, err error) {
	err = t.walkPages(func(p *page, leaf bool) error {
		total++
		if leaf {
			leaves++
		} else {
			nodes++
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return total, leaves, nodes, nil
}

// TreeStats walks the tree and reports its space accounting.
func (t *Tree) TreeStats() (Stats, error) {
	s := Stats{Entries: t.entries, Levels: t.levels}
	var content uint64
	err := t.walkPages(func(p *page, leaf bool) error {
		s.Pages++
		if leaf {
			s.Leaves++
			b := t.frame(p).Bucket()
			s.Utilised += uint64(t.leaves.Utilised(b))
			content += uint64(t.leaves.Utilised(b) + t.leaves.KeyBytes(b))
		} else {
			s.Nodes++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	s.Overhead = uint64(s.Pages)*uint64(t.pageSize) - content
	return s, nil
}

func (t *Tree) verifyNow() error {
	if t.verify > 0 {
		return t.Check()
	}
	return nil
}

package btree

import (
	"bytes"
	"fmt"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/btpage"
)

// Check walks the whole tree and verifies its structural invariants:
// key order within and across leaves, directory and bucket parallelism,
// parent back-references, uniform leaf depth, sibling chain closure and
// the entry count. It pages every leaf through the shared slot, so it
// is expensive and intended for tests and the verify option.
func (t *Tree) Check() error {
	type state struct {
		prevKey  []byte
		prevSib  storage.Loc
		haveLeaf bool
		lastLoc  storage.Loc
		depth    int
		count    uint64
	}
	var s state

	checkLeaf := func(p *page, depth int) error {
		f := t.frame(p)
		b := f.Bucket()
		n := t.leaves.Entries(b)

		if s.haveLeaf {
			if s.depth != depth {
				return fmt.Errorf("%w: leaf %v at depth %d, expected %d", ErrCorrupt, p.loc, depth, s.depth)
			}
			if s.prevSib != p.loc {
				return fmt.Errorf("%w: sibling chain broken at %v", ErrCorrupt, p.loc)
			}
		} else {
			s.depth = depth
		}

		for i := 0; i < n; i++ {
			key := t.leaves.KeyAt(b, i)
			if s.prevKey != nil && bytes.Compare(s.prevKey, key) > 0 {
				return fmt.Errorf("%w: keys out of order in leaf %v", ErrCorrupt, p.loc)
			}
			s.prevKey = append(s.prevKey[:0], key...)
		}

		s.haveLeaf = true
		s.prevSib = f.Sibling()
		s.lastLoc = p.loc
		s.count += uint64(n)
		return nil
	}

	var walk func(p *page, depth int) error
	walk = func(p *page, depth int) error {
		f := t.frame(p)
		if f.Leaf() {
			return checkLeaf(p, depth)
		}

		b := f.Bucket()
		n := t.nodes.Entries(b)
		if n == 0 {
			return fmt.Errorf("%w: empty internal node %v", ErrCorrupt, p.loc)
		}
		if len(p.directory) != n {
			return fmt.Errorf("%w: node %v directory has %d slots for %d entries", ErrCorrupt, p.loc, len(p.directory), n)
		}

		for i := 0; i < n; i++ {
			loc := btpage.GetEntry(t.nodes.ValueAt(b, i), t.params.Order())
			child := p.directory[i]
			if child != nil && child != knownLeaf {
				if child.parent != p {
					return fmt.Errorf("%w: node %v has wrong parent link", ErrCorrupt, child.loc)
				}
				if child.loc != loc {
					return fmt.Errorf("%w: node %v cached under entry for %v", ErrCorrupt, child.loc, loc)
				}
				if err := walk(child, depth+1); err != nil {
					return err
				}
				continue
			}

			if err := t.fetchLeaf(loc, p); err != nil {
				return err
			}
			if t.frame(t.leaf).Leaf() {
				p.directory[i] = knownLeaf
				if err := checkLeaf(t.leaf, depth+1); err != nil {
					return err
				}
			} else {
				node := t.leaf
				p.directory[i] = node
				node.parent = p
				t.leaf = t.newScratch()
				if err := walk(node, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(t.root, 1); err != nil {
		return err
	}

	if !s.haveLeaf {
		return fmt.Errorf("%w: tree has no leaves", ErrCorrupt)
	}
	if s.prevSib != s.lastLoc {
		return fmt.Errorf("%w: last leaf %v does not terminate the sibling chain", ErrCorrupt, s.lastLoc)
	}
	if s.lastLoc != t.right {
		return fmt.Errorf("%w: rightmost leaf is %v, tree records %v", ErrCorrupt, s.lastLoc, t.right)
	}
	if s.count != t.entries {
		return fmt.Errorf("%w: counted %d entries, tree records %d", ErrCorrupt, s.count, t.entries)
	}
	return nil
}

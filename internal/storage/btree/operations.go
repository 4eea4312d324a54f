package btree

import (
	"errors"
	"fmt"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/btpage"
	"github.com/termindex/termindex/internal/storage/bucket"
)

type splitFn int

const (
	splitAlloc splitFn = iota
	splitRealloc
	splitAppend
)

// traverse descends from start to the leaf that covers key, returning
// the leaf and its parent node. Nodes discovered on the way are cached;
// the leaf is made current in the shared leaf slot.
func (t *Tree) traverse(key []byte, start *page) (leaf, parent *page, err error) {
	curr := start
	var prev *page

	for !t.frame(curr).Leaf() {
		prev = curr
		b := t.frame(curr).Bucket()

		val, idx, err := t.nodes.Search(b, key)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: empty internal node", ErrCorrupt)
		}
		if child := curr.directory[idx]; child != nil && child != knownLeaf {
			curr = child
			continue
		}

		loc := btpage.GetEntry(val, t.params.Order())
		if err := t.fetchLeaf(loc, curr); err != nil {
			return nil, nil, err
		}
		if t.frame(t.leaf).Leaf() {
			curr.directory[idx] = knownLeaf
			curr = t.leaf
			break
		}

		// Paged an internal node into the leaf slot; promote it into
		// the cache and hand the slot a fresh buffer.
		node := t.leaf
		curr.directory[idx] = node
		node.parent = curr
		t.leaf = t.newScratch()
		curr = node
	}
	return curr, prev, nil
}

// Find returns the value stored under key. The slice aliases the leaf
// page buffer and is only valid until the next tree operation. write
// marks the page dirty so in-place updates of the value persist.
func (t *Tree) Find(key []byte, write bool) ([]byte, error) {
	leaf, _, err := t.traverse(key, t.root)
	if err != nil {
		return nil, err
	}
	val, _, err := t.leaves.Find(t.frame(leaf).Bucket(), key)
	if err != nil {
		if errors.Is(err, bucket.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if write {
		leaf.dirty = true
	}
	return val, nil
}

// Alloc inserts key with a value of size bytes and returns the value
// slice for the caller to fill. Entries larger than a quarter of a page
// are rejected with ErrTooBig.
func (t *Tree) Alloc(key []byte, size int) ([]byte, error) {
	t.stamp++
	if err := t.verifyNow(); err != nil {
		return nil, err
	}
	if len(key)+size > t.pageSize/4 {
		return nil, ErrTooBig
	}

	leaf, parent, err := t.traverse(key, t.root)
	if err != nil {
		return nil, err
	}
	val, _, err := t.leaves.Alloc(t.frame(leaf).Bucket(), key, size)
	if err == nil {
		leaf.dirty = true
		t.entries++
		return val, nil
	}
	if !errors.Is(err, bucket.ErrNoRoom) {
		return nil, err
	}
	return t.splitLeaf(leaf, parent, key, size, splitAlloc)
}

// Realloc resizes the value stored under key, preserving the common
// prefix of the old and new contents, and returns the new value slice.
func (t *Tree) Realloc(key []byte, size int) ([]byte, error) {
	t.stamp++
	if err := t.verifyNow(); err != nil {
		return nil, err
	}
	if len(key)+size > t.pageSize/4 {
		return nil, ErrTooBig
	}

	leaf, parent, err := t.traverse(key, t.root)
	if err != nil {
		return nil, err
	}
	val, err := t.leaves.Realloc(t.frame(leaf).Bucket(), key, size)
	if err == nil {
		leaf.dirty = true
		return val, nil
	}
	if errors.Is(err, bucket.ErrNotFound) {
		return nil, ErrNotFound
	}
	if !errors.Is(err, bucket.ErrNoRoom) {
		return nil, err
	}
	return t.splitLeaf(leaf, parent, key, size, splitRealloc)
}

// Remove deletes the entry stored under key.
func (t *Tree) Remove(key []byte) error {
	t.stamp++
	if err := t.verifyNow(); err != nil {
		return err
	}

	leaf, _, err := t.traverse(key, t.root)
	if err != nil {
		return err
	}
	if err := t.leaves.Remove(t.frame(leaf).Bucket(), key); err != nil {
		if errors.Is(err, bucket.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	leaf.dirty = true
	t.entries--
	return nil
}

// Append inserts key, which must sort after every stored term, going
// straight to the rightmost leaf without a root descent.
func (t *Tree) Append(key []byte, size int) ([]byte, error) {
	t.stamp++
	if err := t.verifyNow(); err != nil {
		return nil, err
	}
	if len(key)+size > t.pageSize/4 {
		return nil, ErrTooBig
	}

	if err := t.fetchLeaf(t.right, nil); err != nil {
		return nil, err
	}
	val, _, err := t.leaves.Alloc(t.frame(t.leaf).Bucket(), key, size)
	if err == nil {
		t.leaf.dirty = true
		t.entries++
		return val, nil
	}
	if !errors.Is(err, bucket.ErrNoRoom) {
		return nil, err
	}

	var parent *page
	if t.root != t.leaf {
		if _, parent, err = t.traverse(key, t.root); err != nil {
			return nil, err
		}
	}
	return t.splitLeaf(t.leaf, parent, key, size, splitAppend)
}

// splitLeaf splits the full leaf curr to make room for key, placing the
// pending entry on the better-balanced side, then pushes the new
// separator up the tree. The leaf holding the entry ends up in the
// shared leaf slot; the other half is written out once the separator
// has been placed.
func (t *Tree) splitLeaf(curr, parent *page, key []byte, size int, fn splitFn) ([]byte, error) {
	newpage := t.tmp
	newpage.parent = nil
	newpage.directory = nil

	loc, err := t.freemap.Alloc(uint64(t.pageSize))
	if err != nil {
		return nil, err
	}
	newpage.loc = loc
	newpage.loaded = true

	cf := t.frame(curr)

	// Rethread the sibling chain. A self-reference terminates it, so
	// the terminator moves to the new rightmost page.
	sib := cf.Sibling()
	if sib == curr.loc {
		sib = loc
	}
	nf := t.frame(newpage)
	if _, err := nf.Init(true, nil, sib); err != nil {
		return nil, err
	}

	// The pending weight fed to the split heuristic is the net growth:
	// key plus value for an insert, the size delta for a resize.
	pending := size
	if fn == splitRealloc {
		old, _, err := t.leaves.Find(cf.Bucket(), key)
		if err != nil {
			return nil, ErrNotFound
		}
		pending = size - len(old) - len(key)
	}

	var at int
	var left bool
	if fn == splitAppend {
		at = t.leaves.Entries(cf.Bucket())
	} else {
		at, left = t.leaves.FindSplitEntry(cf.Bucket(), 0, key, pending)
	}

	if err := t.leaves.Split(nf.Bucket(), cf.Bucket(), at); err != nil {
		return nil, err
	}
	curr.dirty = true
	newpage.dirty = true
	cf.SetSibling(loc)

	tb := nf.Bucket()
	if left {
		tb = cf.Bucket()
	}
	var val []byte
	switch fn {
	case splitRealloc:
		val, err = t.leaves.Realloc(tb, key, size)
	case splitAppend:
		val, err = t.leaves.Append(tb, key, size)
	default:
		val, _, err = t.leaves.Alloc(tb, key, size)
	}
	if err != nil {
		return nil, err
	}

	// The separator pushed into the parent is the smallest key of the
	// right-hand page. Copied, since node splits reuse page buffers.
	sep := append([]byte(nil), t.leaves.KeyAt(nf.Bucket(), 0)...)

	if parent == nil && t.root != curr {
		if _, parent, err = t.traverse(sep, t.root); err != nil {
			return nil, err
		}
	}

	if t.right == curr.loc {
		t.right = loc
	}

	// Keep the page holding the entry in the leaf slot.
	if !left {
		t.leaf, t.tmp = t.tmp, t.leaf
	}
	// The separator goes up before either half touches disk; on a failed
	// propagation the on-disk image is still the pre-split one.
	if err := t.splitNodes(sep, loc, parent, fn); err != nil {
		return nil, err
	}
	if err := t.writePage(t.tmp); err != nil {
		return nil, err
	}
	if fn != splitRealloc {
		t.entries++
	}
	return val, nil
}

// splitNodes inserts the separator key referencing childLoc into curr,
// splitting nodes upward as needed. A nil curr, or running off the top
// of the parent chain, grows the tree by a new root whose leftmost
// child is filed under the empty key.
func (t *Tree) splitNodes(key []byte, childLoc storage.Loc, curr *page, fn splitFn) error {
	if fn == splitRealloc {
		fn = splitAlloc
	}

	prev := knownLeaf // cached marker for the page the new entry references
	loc := childLoc
	var newpage *page

	for curr != nil {
		b := t.frame(curr).Bucket()

		var val []byte
		var idx int
		var err error
		if fn == splitAppend {
			val, err = t.nodes.Append(b, key, btpage.EntrySize)
			idx = t.nodes.Entries(b) - 1
		} else {
			val, idx, err = t.nodes.Alloc(b, key, btpage.EntrySize)
		}
		if err == nil {
			btpage.PutEntry(val, loc, t.params.Order())
			curr.directory = insertChild(curr.directory, idx, prev)
			if prev != knownLeaf {
				prev.parent = curr
			}
			curr.dirty = true
			return nil
		}
		if !errors.Is(err, bucket.ErrNoRoom) {
			return err
		}

		// Node is full, split it.
		np := t.newScratch()
		nloc, err := t.freemap.Alloc(uint64(t.pageSize))
		if err != nil {
			return err
		}
		np.loc = nloc
		np.loaded = true
		npf := t.frame(np)
		if _, err := npf.Init(false, nil, storage.Loc{}); err != nil {
			return err
		}

		var at int
		var left bool
		if fn == splitAppend {
			at = t.nodes.Entries(b)
		} else {
			at, left = t.nodes.FindSplitEntry(b, 0, key, btpage.EntrySize)
		}
		if err := t.nodes.Split(npf.Bucket(), b, at); err != nil {
			return err
		}
		curr.dirty = true
		np.dirty = true
		np.parent = curr.parent

		np.directory = append([]*page(nil), curr.directory[at:]...)
		curr.directory = curr.directory[:at]
		for _, child := range np.directory {
			if child != nil && child != knownLeaf {
				child.parent = np
			}
		}

		target, tb := np, npf.Bucket()
		if left {
			target, tb = curr, b
		}
		var v []byte
		var tidx int
		if fn == splitAppend {
			v, err = t.nodes.Append(tb, key, btpage.EntrySize)
			tidx = t.nodes.Entries(tb) - 1
		} else {
			v, tidx, err = t.nodes.Alloc(tb, key, btpage.EntrySize)
		}
		if err != nil {
			return err
		}
		btpage.PutEntry(v, loc, t.params.Order())
		target.directory = insertChild(target.directory, tidx, prev)
		if prev != knownLeaf {
			prev.parent = target
		}

		key = append([]byte(nil), t.nodes.KeyAt(npf.Bucket(), 0)...)
		loc = np.loc
		prev = np
		newpage = np
		curr = curr.parent
	}

	// The old root split too; grow the tree by one level.
	root := t.newScratch()
	rloc, err := t.freemap.Alloc(uint64(t.pageSize))
	if err != nil {
		return err
	}
	root.loc = rloc
	root.loaded = true
	rf := t.frame(root)
	if _, err := rf.Init(false, nil, storage.Loc{}); err != nil {
		return err
	}
	if err := t.nodes.Init(rf.Bucket()); err != nil {
		return err
	}

	// The leftmost child is filed under the empty key so that every
	// search key sorts at or after it.
	v, _, err := t.nodes.Alloc(rf.Bucket(), nil, btpage.EntrySize)
	if err != nil {
		return err
	}
	btpage.PutEntry(v, t.root.loc, t.params.Order())
	v, _, err = t.nodes.Alloc(rf.Bucket(), key, btpage.EntrySize)
	if err != nil {
		return err
	}
	btpage.PutEntry(v, loc, t.params.Order())

	if newpage != nil {
		root.directory = []*page{t.root, newpage}
		t.root.parent = root
		newpage.parent = root
	} else {
		root.directory = []*page{knownLeaf, knownLeaf}
	}

	t.root = root
	root.dirty = true
	t.levels++
	return nil
}

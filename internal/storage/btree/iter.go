package btree

import (
	"bytes"
	"errors"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/bucket"
)

// Iter walks the terms of a tree in sorted order by following the leaf
// sibling chain. It stays valid across its own Alloc and Realloc calls;
// any other mutation of the tree makes it stale.
type Iter struct {
	tree    *Tree
	loc     storage.Loc
	index   int
	entries int
	stamp   uint64
}

// NewIter positions an iterator at the first term at or after seek.
// A nil seek starts at the smallest term.
func (t *Tree) NewIter(seek []byte) (*Iter, error) {
	leaf, _, err := t.traverse(seek, t.root)
	if err != nil {
		return nil, err
	}
	b := t.frame(leaf).Bucket()
	idx, _ := t.locate(b, seek)
	return &Iter{
		tree:    t,
		loc:     leaf.loc,
		index:   idx,
		entries: t.leaves.Entries(b),
		stamp:   t.stamp,
	}, nil
}

// locate returns the index of the first entry at or after seek. When
// every entry sorts before seek it returns the entry count and false.
func (t *Tree) locate(b []byte, seek []byte) (int, bool) {
	n := t.leaves.Entries(b)
	if n == 0 {
		return 0, false
	}
	_, idx, err := t.leaves.Search(b, seek)
	if err != nil {
		return 0, false
	}
	if bytes.Compare(t.leaves.KeyAt(b, idx), seek) >= 0 {
		return idx, true
	}
	if idx == n-1 {
		return n, false
	}
	return idx + 1, true
}

// load pages the iterator's current leaf into the shared slot.
func (it *Iter) load() error {
	if it.stamp != it.tree.stamp {
		return ErrIterStale
	}
	return it.tree.fetchLeaf(it.loc, nil)
}

// nextLeaf steps to the sibling leaf, skipping nothing. It reports
// false at the self-referential end of the chain.
func (it *Iter) nextLeaf() (bool, error) {
	t := it.tree
	sib := t.frame(t.leaf).Sibling()
	if sib == it.loc {
		return false, nil
	}
	if err := t.fetchLeaf(sib, nil); err != nil {
		return false, err
	}
	it.loc = sib
	it.index = 0
	it.entries = t.leaves.Entries(t.frame(t.leaf).Bucket())
	return true, nil
}

// Curr returns the term and value at the current position, advancing
// over empty leaves if needed. The key is a copy; the value aliases the
// leaf page and is only valid until the next tree operation.
func (it *Iter) Curr() (key, val []byte, err error) {
	if err := it.load(); err != nil {
		return nil, nil, err
	}
	t := it.tree
	for it.index >= it.entries {
		ok, err := it.nextLeaf()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, ErrIterDone
		}
	}
	b := t.frame(t.leaf).Bucket()
	key = append([]byte(nil), t.leaves.KeyAt(b, it.index)...)
	return key, t.leaves.ValueAt(b, it.index), nil
}

// Next advances the iterator. With a nil seek it moves to the following
// term; with a seek key it jumps to the first term at or after it.
func (it *Iter) Next(seek []byte) error {
	if err := it.load(); err != nil {
		return err
	}
	t := it.tree

	if seek != nil {
		// Earlier leaves hold only smaller terms, so the resident leaf
		// can answer the seek only when its first key is at or below it.
		b := t.frame(t.leaf).Bucket()
		if n := t.leaves.Entries(b); n > 0 && bytes.Compare(t.leaves.KeyAt(b, 0), seek) <= 0 {
			if idx, ok := t.locate(b, seek); ok {
				it.index = idx
				return nil
			}
		}
		leaf, _, err := t.traverse(seek, t.root)
		if err != nil {
			return err
		}
		b = t.frame(leaf).Bucket()
		it.loc = leaf.loc
		it.entries = t.leaves.Entries(b)
		it.index, _ = t.locate(b, seek)
		return nil
	}

	if it.index < it.entries {
		it.index++
		return nil
	}
	for it.index >= it.entries {
		ok, err := it.nextLeaf()
		if err != nil {
			return err
		}
		if !ok {
			return ErrIterDone
		}
	}
	return nil
}

// Alloc inserts key through the iterator and leaves it positioned at
// the new entry. The returned value slice is caller-filled, like
// Tree.Alloc.
func (it *Iter) Alloc(key []byte, size int) ([]byte, error) {
	t := it.tree
	if it.stamp != t.stamp {
		return nil, ErrIterStale
	}
	t.stamp++
	it.stamp = t.stamp
	if len(key)+size > t.pageSize/4 {
		return nil, ErrTooBig
	}

	leaf, parent, err := t.traverse(key, t.root)
	if err != nil {
		return nil, err
	}
	val, idx, err := t.leaves.Alloc(t.frame(leaf).Bucket(), key, size)
	if err == nil {
		leaf.dirty = true
		t.entries++
		it.loc = leaf.loc
		it.index = idx
		it.entries = t.leaves.Entries(t.frame(leaf).Bucket())
		return val, nil
	}
	if !errors.Is(err, bucket.ErrNoRoom) {
		return nil, err
	}

	val, err = t.splitLeaf(leaf, parent, key, size, splitAlloc)
	if err != nil {
		return nil, err
	}
	it.reposition(key)
	return val, nil
}

// Realloc resizes the value under the current position.
func (it *Iter) Realloc(size int) ([]byte, error) {
	t := it.tree
	if it.stamp != t.stamp {
		return nil, ErrIterStale
	}
	if err := t.fetchLeaf(it.loc, nil); err != nil {
		return nil, err
	}
	b := t.frame(t.leaf).Bucket()
	if it.index >= it.entries {
		return nil, ErrNotFound
	}
	key := append([]byte(nil), t.leaves.KeyAt(b, it.index)...)

	t.stamp++
	it.stamp = t.stamp
	if len(key)+size > t.pageSize/4 {
		return nil, ErrTooBig
	}

	val, err := t.leaves.ReallocAt(b, it.index, size)
	if err == nil {
		t.leaf.dirty = true
		return val, nil
	}
	if !errors.Is(err, bucket.ErrNoRoom) {
		return nil, err
	}

	val, err = t.splitLeaf(t.leaf, nil, key, size, splitRealloc)
	if err != nil {
		return nil, err
	}
	it.reposition(key)
	return val, nil
}

// reposition points the iterator at key inside the shared leaf slot,
// which splitLeaf guarantees holds the entry's page.
func (it *Iter) reposition(key []byte) {
	t := it.tree
	b := t.frame(t.leaf).Bucket()
	it.loc = t.leaf.loc
	it.entries = t.leaves.Entries(b)
	it.index, _ = t.locate(b, key)
}

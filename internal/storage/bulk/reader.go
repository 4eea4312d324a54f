package bulk

import (
	"encoding/binary"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/btpage"
	"github.com/termindex/termindex/internal/storage/bucket"
)

// Reader scans the leaf chain of an on-disk tree in key order. Like
// the loader it performs no I/O itself: when Next reports StatusRead
// the caller reads a window of pages starting at or before Wanted and
// hands it over with Supply.
type Reader struct {
	pageSize int
	leaves   bucket.Codec
	order    binary.ByteOrder

	next   storage.Loc
	term   int
	window []byte
	winLoc storage.Loc
	page   []byte

	key []byte
	val []byte
}

// NewReader creates a reader positioned at first, which must be the
// leftmost leaf of a tree built with the same params.
func NewReader(params storage.Params, first storage.Loc) (*Reader, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Reader{
		pageSize: int(params.PageSize),
		leaves:   bucket.New(params.LeafStrategy, params.Order()),
		order:    params.Order(),
		next:     first,
	}, nil
}

// Wanted returns the location of the page the reader needs next.
func (r *Reader) Wanted() storage.Loc { return r.next }

// Supply hands the reader a window of file contents starting at loc.
// The window must be a whole number of pages and stays referenced
// until the reader moves past it.
func (r *Reader) Supply(loc storage.Loc, data []byte) {
	r.winLoc = loc
	r.window = data
}

// Term returns the entry produced by the last successful Next. Both
// slices alias the supplied window.
func (r *Reader) Term() (key, value []byte) { return r.key, r.val }

// Next advances to the next entry. It returns StatusOK with the entry
// available through Term, StatusRead when a page must be supplied, or
// StatusFinish at the end of the leaf chain.
func (r *Reader) Next() (Status, error) {
	for {
		if r.page == nil {
			if !r.covered() {
				return StatusRead, nil
			}
			off := int(r.next.Offset - r.winLoc.Offset)
			r.page = r.window[off : off+r.pageSize]
			r.term = 0
		}

		f := btpage.NewFrame(r.page, r.order)
		b := f.Bucket()
		if r.term < r.leaves.Entries(b) {
			r.key = r.leaves.KeyAt(b, r.term)
			r.val = r.leaves.ValueAt(b, r.term)
			r.term++
			return StatusOK, nil
		}

		sib := f.Sibling()
		r.page = nil
		if sib == r.next {
			// a leaf pointing at itself ends the chain
			return StatusFinish, nil
		}
		r.next = sib
	}
}

// covered reports whether the supplied window holds the wanted page.
func (r *Reader) covered() bool {
	if r.window == nil || r.winLoc.FileNo != r.next.FileNo {
		return false
	}
	if r.next.Offset < r.winLoc.Offset {
		return false
	}
	end := r.winLoc.Offset + uint64(len(r.window))
	return r.next.Offset+uint64(r.pageSize) <= end
}

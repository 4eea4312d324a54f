// Package bulk builds a B+ tree from a sorted stream of term entries
// without going through the incremental tree engine. Sorted input forms
// leaves directly; the first key of each page is pushed into the level
// above, and one in-memory bucket per level suffices no matter how
// large the tree grows.
//
// The loader never touches files itself. It suspends with StatusWrite
// or StatusFlush and resumes where it left off once the caller has
// performed the I/O, which keeps it usable under any file layout.
package bulk

import (
	"encoding/binary"
	"errors"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/btpage"
	"github.com/termindex/termindex/internal/storage/bucket"
)

// Bulk loader errors.
var (
	ErrState      = errors.New("bulk: loader is not in a usable state")
	ErrBufferSize = errors.New("bulk: buffer must hold at least one page")
)

// Status tells the caller what the loader needs next.
type Status int

const (
	// StatusOK means the operation succeeded; after Insert the caller
	// fills Value before the next call.
	StatusOK Status = iota

	// StatusWrite means Pending must be written at FileNo/Offset and
	// Offset advanced by its length before the call is repeated.
	StatusWrite

	// StatusFlush means the current file is full: the caller starts a
	// new file, increments FileNo, zeroes Offset and repeats the call.
	StatusFlush

	// StatusRead means a Reader needs the page at Wanted supplied.
	StatusRead

	// StatusFinish means Finalise has written everything and the root
	// location is available.
	StatusFinish
)

type loaderState int

const (
	stateInsert loaderState = iota
	stateWrite
	stateNew
	stateFinish
	stateErr
)

// level is the one in-memory bucket of a tree level. parentSlot is the
// index of the entry reserved for this bucket in its parent, patched
// with the predicted disk location when the bucket is paged out.
// Parent entries are only ever appended, so the index stays valid.
type level struct {
	parent     *level
	child      *level
	parentSlot int
	used       int
	buf        []byte
}

// Loader builds a tree from keys inserted in ascending order. FileNo
// and Offset are owned by the caller and must always hold the position
// the next pending write will land at.
type Loader struct {
	FileNo uint32
	Offset uint64

	pageSize    int
	maxFileSize uint64
	fill        float64
	order       binary.ByteOrder
	leaves      bucket.Codec
	nodes       bucket.Codec

	state  loaderState
	bottom *level
	curr   *level
	levels int

	term    []byte
	size    int
	value   []byte
	pending []byte
	root    storage.Loc

	// running estimate of per-page overhead, for the fill factor
	overhead   float64
	usedBytes  float64
	totalBytes float64

	// circular buffer of finished pages, held back until sibling
	// threading is resolved
	outbuf   []byte
	outCap   int
	outSize  int
	outStart int
	lastLeaf int // buffered index of the leaf awaiting threading, -1 none
}

// NewLoader creates a bulk loader. fill in (0, 1] caps how full each
// page is packed; anything else means pack to capacity. bufferPages
// sizes the initial output buffer and is grown as the tree deepens.
func NewLoader(params storage.Params, fill float64, bufferPages int) (*Loader, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if bufferPages < 1 {
		bufferPages = 1
	}
	if fill <= 0 || fill > 1 {
		fill = 1
	}

	l := &Loader{
		pageSize:    int(params.PageSize),
		maxFileSize: uint64(params.MaxFileSize),
		fill:        fill,
		order:       params.Order(),
		leaves:      bucket.New(params.LeafStrategy, params.Order()),
		nodes:       bucket.New(params.NodeStrategy, params.Order()),
		state:       stateInsert,
		levels:      1,
		overhead:    0.2, // initial estimate, recalculated as pages finish
		outbuf:      make([]byte, int(params.PageSize)*bufferPages),
		outCap:      bufferPages,
		lastLeaf:    -1,
	}

	bottom, err := l.newLevel(true)
	if err != nil {
		return nil, err
	}
	l.bottom = bottom
	l.curr = bottom
	return l, nil
}

func (l *Loader) newLevel(leaf bool) (*level, error) {
	lv := &level{parentSlot: -1, buf: make([]byte, l.pageSize)}
	if err := l.initLevel(lv, leaf); err != nil {
		return nil, err
	}
	return lv, nil
}

// initLevel resets a level's bucket to empty. The leaf sibling is a
// placeholder; every leaf gets threaded when its successor is placed.
func (l *Loader) initLevel(lv *level, leaf bool) error {
	f := btpage.NewFrame(lv.buf, l.order)
	if _, err := f.Init(leaf, nil, storage.Loc{}); err != nil {
		return err
	}
	c := l.codec(leaf)
	if err := c.Init(f.Bucket()); err != nil {
		return err
	}
	lv.used = 0
	return nil
}

func (l *Loader) codec(leaf bool) bucket.Codec {
	if leaf {
		return l.leaves
	}
	return l.nodes
}

func (l *Loader) frame(lv *level) btpage.Frame {
	return btpage.NewFrame(lv.buf, l.order)
}

// Value returns the caller-filled value area of the entry just
// inserted. It is valid until the next loader call.
func (l *Loader) Value() []byte { return l.value }

// Pending returns the pages to write after StatusWrite.
func (l *Loader) Pending() []byte { return l.pending }

// Root returns the root page location after StatusFinish.
func (l *Loader) Root() storage.Loc { return l.root }

// Levels returns the current depth of the tree being built.
func (l *Loader) Levels() int { return l.levels }

// Insert adds key, which must sort after every key inserted so far,
// with a value of size bytes. On StatusWrite or StatusFlush the caller
// performs the I/O and calls Insert again with the same key and size.
func (l *Loader) Insert(key []byte, size int) (Status, error) {
	if l.state != stateInsert && l.state != stateWrite && l.state != stateNew {
		return 0, ErrState
	}
	l.term = append(l.term[:0], key...)
	l.size = size
	return l.run()
}

func (l *Loader) run() (Status, error) {
	for {
		var st Status
		var done bool
		var err error

		switch l.state {
		case stateInsert:
			st, done, err = l.stepInsert()
		case stateWrite:
			st, done, err = l.stepWrite()
		case stateNew:
			st, done, err = l.stepNew()
		default:
			return 0, ErrState
		}
		if err != nil {
			l.state = stateErr
			return 0, err
		}
		if done {
			return st, nil
		}
	}
}

// stepInsert appends the pending entry to the bottom bucket, paging
// the bucket out first when it is full or past the fill factor.
func (l *Loader) stepInsert() (Status, bool, error) {
	lv := l.bottom
	if l.fill < 1 && lv.used > 0 &&
		float64(lv.used)/float64(l.pageSize)+l.overhead > l.fill {
		l.curr = lv
		l.state = stateWrite
		return 0, false, nil
	}

	b := l.frame(lv).Bucket()
	val, err := l.leaves.Append(b, l.term, l.size)
	if err == nil {
		lv.used += len(l.term) + l.size
		l.value = val
		return StatusOK, true, nil
	}
	if !errors.Is(err, bucket.ErrNoRoom) {
		return 0, false, err
	}
	l.curr = lv
	l.state = stateWrite
	return 0, false, nil
}

// stepWrite pages the current bucket into the output buffer: its
// eventual disk location is predicted, patched into the reserved
// parent entry, and used to thread the previous leaf's sibling.
// Suspends with the buffer contents when the buffer is full. Re-running
// this step after a suspension is harmless.
func (l *Loader) stepWrite() (Status, bool, error) {
	lv := l.curr

	if lv.parent == nil {
		// The top level filled up; push up a new level of the tree.
		parent, err := l.newLevel(false)
		if err != nil {
			return 0, false, err
		}
		parent.child = lv
		parent.used = btpage.EntrySize
		lv.parent = parent

		// The leftmost child of a node is filed under the empty key.
		b := l.frame(parent).Bucket()
		if _, err := l.nodes.Append(b, nil, btpage.EntrySize); err != nil {
			return 0, false, err
		}
		lv.parentSlot = 0
		l.levels++

		// threading needs at least one buffered page per level
		if l.outCap <= l.levels {
			if err := l.growBuffer(l.levels + 1); err != nil {
				return 0, false, err
			}
		}
	}

	loc := l.location(l.outSize)
	l.patchParent(lv, loc)

	leaf := lv.child == nil
	if leaf && l.lastLeaf >= 0 {
		l.threadLeaf(loc)
		l.lastLeaf = -1
	}

	l.shuffle()
	if l.outSize >= l.outCap {
		st := l.output()
		return st, true, nil
	}

	pos := (l.outStart + l.outSize) % l.outCap
	copy(l.outbuf[pos*l.pageSize:(pos+1)*l.pageSize], lv.buf)
	if leaf {
		l.lastLeaf = l.outSize
	}
	l.outSize++
	l.state = stateNew
	return 0, false, nil
}

// stepNew reinitialises the just-written bucket, refreshes the
// overhead estimate, and walks back down the level chain reserving a
// parent entry for every fresh bucket. A full parent bubbles the
// page-out upward.
func (l *Loader) stepNew() (Status, bool, error) {
	lv := l.curr
	leaf := lv.child == nil

	b := l.frame(lv).Bucket()
	l.totalBytes += float64(l.pageSize)
	l.usedBytes += float64(l.pageSize - l.codec(leaf).Unused(b))
	l.overhead = 1 - l.usedBytes/l.totalBytes

	if err := l.initLevel(lv, leaf); err != nil {
		return 0, false, err
	}

	for c := lv; c != nil; c = c.child {
		parent := c.parent
		pb := l.frame(parent).Bucket()
		if l.fill < 1 && parent.used > 0 &&
			float64(parent.used)/float64(l.pageSize)+l.overhead > l.fill {
			l.curr = parent
			l.state = stateWrite
			return 0, false, nil
		}
		if _, err := l.nodes.Append(pb, l.term, btpage.EntrySize); err != nil {
			if !errors.Is(err, bucket.ErrNoRoom) {
				return 0, false, err
			}
			l.curr = parent
			l.state = stateWrite
			return 0, false, nil
		}
		c.parentSlot = l.nodes.Entries(pb) - 1
		parent.used += btpage.EntrySize + len(l.term)
	}

	l.state = stateInsert
	return 0, false, nil
}

// Finalise drains every level to the output buffer, threading the last
// leaf to itself to terminate the sibling chain. Call it repeatedly,
// handling StatusWrite and StatusFlush as for Insert, until it reports
// StatusFinish; Root is then valid.
func (l *Loader) Finalise() (Status, error) {
	switch l.state {
	case stateInsert:
		l.curr = l.bottom
		loc := l.location(l.outSize)
		l.frame(l.bottom).SetSibling(loc)
		if l.lastLeaf >= 0 {
			l.threadLeaf(loc)
			l.lastLeaf = -1
		}
		l.state = stateFinish
	case stateFinish:
	default:
		return 0, ErrState
	}

	for l.curr != nil {
		l.shuffle()
		if l.outSize >= l.outCap {
			return l.output(), nil
		}

		loc := l.location(l.outSize)
		if l.curr.parent != nil {
			l.patchParent(l.curr, loc)
		} else {
			l.root = loc
		}

		pos := (l.outStart + l.outSize) % l.outCap
		copy(l.outbuf[pos*l.pageSize:(pos+1)*l.pageSize], l.curr.buf)
		l.outSize++
		l.curr = l.curr.parent
	}

	l.shuffle()
	if l.outSize > 0 {
		return l.output(), nil
	}
	return StatusFinish, nil
}

// location predicts where the page that is pages slots ahead of the
// buffered output will land, walking file boundaries as needed.
func (l *Loader) location(pages int) storage.Loc {
	fileno := l.FileNo
	offset := l.Offset
	ps := uint64(l.pageSize)
	n := uint64(pages)
	for {
		capacity := (l.maxFileSize - offset) / ps
		if n < capacity {
			return storage.Loc{FileNo: fileno, Offset: offset + n*ps}
		}
		n -= capacity
		fileno++
		offset = 0
	}
}

// patchParent writes loc into the entry reserved for lv in its parent.
func (l *Loader) patchParent(lv *level, loc storage.Loc) {
	pb := l.frame(lv.parent).Bucket()
	btpage.PutEntry(l.nodes.ValueAt(pb, lv.parentSlot), loc, l.order)
}

// threadLeaf points the buffered last leaf's sibling at loc.
func (l *Loader) threadLeaf(loc storage.Loc) {
	idx := (l.outStart + l.lastLeaf) % l.outCap
	pg := l.outbuf[idx*l.pageSize : (idx+1)*l.pageSize]
	btpage.NewFrame(pg, l.order).SetSibling(loc)
}

// shuffle moves the buffered pages to the physical start of the
// buffer, trading a copy for larger contiguous writes.
func (l *Loader) shuffle() {
	if l.outStart == 0 {
		return
	}
	copy(l.outbuf, l.outbuf[l.outStart*l.pageSize:(l.outStart+l.outSize)*l.pageSize])
	l.outStart = 0
}

// output hands as many buffered pages to the caller as fit the current
// file, holding back the unthreaded last leaf. An empty batch means
// the file is full and a new one must be started.
func (l *Loader) output() Status {
	avail := l.outSize
	if l.outStart+avail > l.outCap {
		avail = l.outCap - l.outStart
	}
	if fileCap := int((l.maxFileSize - l.Offset) / uint64(l.pageSize)); avail > fileCap {
		avail = fileCap
	}
	if l.lastLeaf >= 0 {
		if avail > l.lastLeaf {
			avail = l.lastLeaf
		}
		l.lastLeaf -= avail
	}

	l.pending = l.outbuf[l.outStart*l.pageSize : (l.outStart+avail)*l.pageSize]
	l.outSize -= avail
	l.outStart = (l.outStart + avail) % l.outCap

	if avail > 0 {
		return StatusWrite
	}
	return StatusFlush
}

// growBuffer enlarges the circular buffer, unwrapping its contents.
func (l *Loader) growBuffer(pages int) error {
	newbuf := make([]byte, pages*l.pageSize)
	if l.outStart+l.outSize > l.outCap {
		split := l.outCap - l.outStart
		copy(newbuf, l.outbuf[l.outStart*l.pageSize:])
		copy(newbuf[split*l.pageSize:], l.outbuf[:(l.outSize-split)*l.pageSize])
	} else {
		copy(newbuf, l.outbuf[l.outStart*l.pageSize:(l.outStart+l.outSize)*l.pageSize])
	}
	l.outStart = 0
	l.outbuf = newbuf
	l.outCap = pages
	return nil
}

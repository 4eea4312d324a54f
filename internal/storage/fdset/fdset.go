// Package fdset multiplexes a bounded number of open file descriptors
// across the numbered files of an index. Callers pin a file for the
// duration of an I/O burst and unpin it afterwards; unpinned files stay
// open and are evicted least-recently-used when the limit is reached.
//
// Pinned files are used exclusively through ReadAt and WriteAt, which
// never move the descriptor's file position, so a file can be pinned
// again later without any position restoring.
package fdset

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultLimit is the descriptor limit used when none is given.
const DefaultLimit = 16

// Errors for descriptor pool operations.
var (
	ErrClosed    = errors.New("fdset: pool is closed")
	ErrNotPinned = errors.New("fdset: file was not pinned")
)

// entry is one open file in the pool.
type entry struct {
	f    *os.File
	pins int
	elem *list.Element // position in lru while unpinned, else nil
}

// Set is a descriptor pool for one family of numbered files, such as
// the vocabulary files of an index. File n is named base.n under dir
// and is created on first pin.
type Set struct {
	mu     sync.Mutex
	dir    string
	base   string
	limit  int
	open   map[uint32]*entry
	lru    *list.List // of uint32 file numbers, front is oldest
	closed bool
}

// NewSet returns a pool holding at most limit descriptors open at once.
// A limit below one falls back to DefaultLimit.
func NewSet(dir, base string, limit int) *Set {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Set{
		dir:   dir,
		base:  base,
		limit: limit,
		open:  make(map[uint32]*entry),
		lru:   list.New(),
	}
}

// Name returns the path of numbered file fileno.
func (s *Set) Name(fileno uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%d", s.base, fileno))
}

// Pin returns an open descriptor for fileno, creating the file if it
// does not exist. The caller must hand the same descriptor back to
// Unpin when done.
func (s *Set) Pin(fileno uint32) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if e, ok := s.open[fileno]; ok {
		if e.elem != nil {
			s.lru.Remove(e.elem)
			e.elem = nil
		}
		e.pins++
		return e.f, nil
	}

	if err := s.evict(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.Name(fileno), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fdset: open file %d: %w", fileno, err)
	}
	s.open[fileno] = &entry{f: f, pins: 1}
	return f, nil
}

// Unpin releases a descriptor obtained from Pin. The descriptor stays
// open for reuse until evicted or the pool is closed.
func (s *Set) Unpin(fileno uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.open[fileno]
	if !ok || e.pins == 0 {
		return ErrNotPinned
	}
	e.pins--
	if e.pins == 0 {
		e.elem = s.lru.PushBack(fileno)
	}
	return nil
}

// evict closes unpinned descriptors until the pool is under its limit.
// It fails only when every descriptor is pinned.
func (s *Set) evict() error {
	for len(s.open) >= s.limit {
		front := s.lru.Front()
		if front == nil {
			return fmt.Errorf("fdset: all %d descriptors pinned", s.limit)
		}
		fileno := front.Value.(uint32)
		s.lru.Remove(front)
		e := s.open[fileno]
		delete(s.open, fileno)
		if err := e.f.Close(); err != nil {
			return fmt.Errorf("fdset: close file %d: %w", fileno, err)
		}
	}
	return nil
}

// Sync flushes every open descriptor to stable storage.
func (s *Set) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fileno, e := range s.open {
		if err := e.f.Sync(); err != nil {
			return fmt.Errorf("fdset: sync file %d: %w", fileno, err)
		}
	}
	return nil
}

// Close closes every descriptor. Pinned descriptors are closed too; the
// pool is unusable afterwards.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for fileno, e := range s.open {
		if err := e.f.Close(); err != nil && first == nil {
			first = fmt.Errorf("fdset: close file %d: %w", fileno, err)
		}
	}
	s.open = make(map[uint32]*entry)
	s.lru.Init()
	s.closed = true
	return first
}

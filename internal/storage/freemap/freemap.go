// Package freemap tracks free space across the numbered files of an
// index. The tree engine asks it for page-sized regions when nodes
// split and returns regions when pages are freed; on load it re-claims
// the exact locations of surviving pages so later allocations cannot
// collide with them.
package freemap

import (
	"errors"
	"sort"
	"sync"

	"github.com/termindex/termindex/internal/storage"
)

// Errors for free-space operations.
var (
	ErrExhausted = errors.New("freemap: no file can hold the allocation")
	ErrOccupied  = errors.New("freemap: location is not available")
	ErrBadSize   = errors.New("freemap: zero-size allocation")
)

// extent is a free byte range within one file.
type extent struct {
	off  uint64
	size uint64
}

// Map is an in-memory free-space map. New space is taken from the
// frontier of the highest numbered file, rolling over to a new file
// when an allocation would cross the file size limit. Freed regions are
// kept per file, sorted, and coalesced with their neighbours.
//
// All methods are safe for concurrent use, though the engine above it
// is single-writer.
type Map struct {
	mu       sync.Mutex
	maxSize  uint64
	free     map[uint32][]extent
	top      uint32 // highest file number with allocated space
	frontier uint64 // end of allocated space in the top file
}

// New returns an empty map for files of at most maxFileSize bytes.
func New(maxFileSize uint64) *Map {
	return &Map{
		maxSize: maxFileSize,
		free:    make(map[uint32][]extent),
	}
}

// Alloc returns a free region of exactly size bytes, reusing a freed
// extent when one is large enough and extending the file frontier
// otherwise.
func (m *Map) Alloc(size uint64) (storage.Loc, error) {
	if size == 0 {
		return storage.Loc{}, ErrBadSize
	}
	if size > m.maxSize {
		return storage.Loc{}, ErrExhausted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// first fit over freed extents, lowest file number first so that
	// repeated runs produce the same layout
	files := make([]uint32, 0, len(m.free))
	for fileno := range m.free {
		files = append(files, fileno)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })
	for _, fileno := range files {
		for i, e := range m.free[fileno] {
			if e.size >= size {
				loc := storage.Loc{FileNo: fileno, Offset: e.off}
				m.take(fileno, i, size)
				return loc, nil
			}
		}
	}

	// extend the frontier, rolling to a new file if needed
	if m.frontier+size > m.maxSize {
		if slack := m.maxSize - m.frontier; slack > 0 {
			m.add(m.top, extent{off: m.frontier, size: slack})
		}
		m.top++
		m.frontier = 0
	}
	loc := storage.Loc{FileNo: m.top, Offset: m.frontier}
	m.frontier += size
	return loc, nil
}

// AllocAt claims the exact region [loc, loc+size). It succeeds if the
// region is wholly free or beyond the current frontier; anything the
// frontier skips over on the way becomes free space.
func (m *Map) AllocAt(loc storage.Loc, size uint64) error {
	if size == 0 {
		return ErrBadSize
	}
	if loc.Offset+size > m.maxSize {
		return ErrExhausted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// past the frontier: advance it, freeing any gap
	if loc.FileNo > m.top || (loc.FileNo == m.top && loc.Offset >= m.frontier) {
		if loc.FileNo == m.top {
			if gap := loc.Offset - m.frontier; gap > 0 {
				m.add(m.top, extent{off: m.frontier, size: gap})
			}
		} else {
			if slack := m.maxSize - m.frontier; slack > 0 {
				m.add(m.top, extent{off: m.frontier, size: slack})
			}
			for f := m.top + 1; f < loc.FileNo; f++ {
				m.add(f, extent{off: 0, size: m.maxSize})
			}
			if loc.Offset > 0 {
				m.add(loc.FileNo, extent{off: 0, size: loc.Offset})
			}
		}
		m.top = loc.FileNo
		m.frontier = loc.Offset + size
		return nil
	}

	// inside allocated territory: must be covered by a free extent
	exts := m.free[loc.FileNo]
	for i, e := range exts {
		if e.off <= loc.Offset && loc.Offset+size <= e.off+e.size {
			m.carve(loc.FileNo, i, loc.Offset, size)
			return nil
		}
	}
	return ErrOccupied
}

// Free returns the region [loc, loc+size) to the map.
func (m *Map) Free(loc storage.Loc, size uint64) {
	if size == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(loc.FileNo, extent{off: loc.Offset, size: size})
}

// FreeBytes returns the total bytes currently tracked as free.
func (m *Map) FreeBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum uint64
	for _, exts := range m.free {
		for _, e := range exts {
			sum += e.size
		}
	}
	return sum
}

// Files returns the number of files the map has touched.
func (m *Map) Files() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frontier == 0 && len(m.free) == 0 && m.top == 0 {
		return 0
	}
	return m.top + 1
}

// take consumes size bytes from the front of extent i in file fileno.
func (m *Map) take(fileno uint32, i int, size uint64) {
	exts := m.free[fileno]
	if exts[i].size == size {
		m.free[fileno] = append(exts[:i], exts[i+1:]...)
		if len(m.free[fileno]) == 0 {
			delete(m.free, fileno)
		}
		return
	}
	exts[i].off += size
	exts[i].size -= size
}

// carve removes [off, off+size) from inside extent i of file fileno.
func (m *Map) carve(fileno uint32, i int, off, size uint64) {
	exts := m.free[fileno]
	e := exts[i]
	left := extent{off: e.off, size: off - e.off}
	right := extent{off: off + size, size: e.off + e.size - off - size}

	rest := append(exts[:i], exts[i+1:]...)
	m.free[fileno] = rest
	if len(rest) == 0 {
		delete(m.free, fileno)
	}
	if left.size > 0 {
		m.add(fileno, left)
	}
	if right.size > 0 {
		m.add(fileno, right)
	}
}

// add inserts an extent into a file's sorted list, merging neighbours.
func (m *Map) add(fileno uint32, e extent) {
	exts := m.free[fileno]
	i := sort.Search(len(exts), func(i int) bool { return exts[i].off >= e.off })

	// merge with predecessor
	if i > 0 && exts[i-1].off+exts[i-1].size == e.off {
		exts[i-1].size += e.size
		// and with successor
		if i < len(exts) && exts[i-1].off+exts[i-1].size == exts[i].off {
			exts[i-1].size += exts[i].size
			exts = append(exts[:i], exts[i+1:]...)
		}
		m.free[fileno] = exts
		return
	}
	// merge with successor
	if i < len(exts) && e.off+e.size == exts[i].off {
		exts[i].off = e.off
		exts[i].size += e.size
		m.free[fileno] = exts
		return
	}

	exts = append(exts, extent{})
	copy(exts[i+1:], exts[i:])
	exts[i] = e
	m.free[fileno] = exts
}

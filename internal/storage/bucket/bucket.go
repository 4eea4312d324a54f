// Package bucket implements the slotted-bucket codec used for both leaf
// and internal pages of the vocabulary b-tree.
//
// A bucket is a sorted set of (key, value) pairs inside a fixed byte
// buffer. A directory of 16-bit pointers grows from the front while the
// payloads pack from the back, value first, then key. Entry 0 holds the
// smallest key and the highest payload address. The key of an entry runs
// from the end of its value up to the previous entry's pointer (or the
// end of the buffer for entry 0), so key lengths are never stored.
//
// Two layouts are supported. The variable layout keeps a value length
// next to each pointer:
//
//	[count u16][ptr0 u16][size0 u16][ptr1 u16][size1 u16]...
//
// The uniform layout stores one value length for the whole bucket, which
// halves the directory cost when every value is the same size:
//
//	[count u16][size u16][ptr0 u16][ptr1 u16]...
package bucket

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/termindex/termindex/internal/storage"
)

// Errors reported by bucket operations.
var (
	// ErrNoRoom means the entry does not fit in the remaining free
	// space. The caller should split the bucket or move the entry
	// elsewhere.
	ErrNoRoom = errors.New("bucket: no room for entry")
	// ErrTooBig means the entry would not fit even in an empty bucket
	// and can never be stored at this bucket size.
	ErrTooBig = errors.New("bucket: entry larger than bucket")
	// ErrNotFound means no entry carries the requested key.
	ErrNotFound = errors.New("bucket: entry not found")
	// ErrSizeFixed means a uniform-layout bucket was asked to hold a
	// value of a different size than the one it already stores.
	ErrSizeFixed = errors.New("bucket: uniform bucket holds a different value size")
	// ErrBucketSize means the buffer cannot be addressed by 16-bit
	// pointers or is too small to hold the directory header.
	ErrBucketSize = errors.New("bucket: buffer size out of range")
	// ErrBadIndex means the entry index is past the last entry.
	ErrBadIndex = errors.New("bucket: entry index out of range")
)

// Codec reads and writes buckets of one layout and byte order. It holds
// no per-bucket state; the same Codec serves every page of a store.
type Codec struct {
	Strategy storage.Strategy
	Order    binary.ByteOrder
}

// New returns a codec for the given layout in the given byte order.
func New(strategy storage.Strategy, order binary.ByteOrder) Codec {
	return Codec{Strategy: strategy, Order: order}
}

// uniform reports whether the codec uses the shared-value-size layout.
func (c Codec) uniform() bool {
	return c.Strategy == storage.StrategyUniform
}

// header returns the byte count of the fixed bucket header.
func (c Codec) header() int {
	if c.uniform() {
		return 4
	}
	return 2
}

// dirCost returns the directory bytes consumed by one entry.
func (c Codec) dirCost() int {
	if c.uniform() {
		return 2
	}
	return 4
}

// dirOff returns the offset of entry i's pointer slot. dirOff(n) for a
// bucket of n entries is also the end of the directory.
func (c Codec) dirOff(i int) int {
	if c.uniform() {
		return 2*i + 4
	}
	return 4*i + 2
}

// Entries returns the number of entries in the bucket.
func (c Codec) Entries(buf []byte) int {
	return int(c.Order.Uint16(buf[0:2]))
}

func (c Codec) setEntries(buf []byte, n int) {
	c.Order.PutUint16(buf[0:2], uint16(n))
}

func (c Codec) ptrAt(buf []byte, i int) int {
	off := c.dirOff(i)
	return int(c.Order.Uint16(buf[off : off+2]))
}

func (c Codec) setPtr(buf []byte, i, ptr int) {
	off := c.dirOff(i)
	c.Order.PutUint16(buf[off:off+2], uint16(ptr))
}

func (c Codec) sizeAt(buf []byte, i int) int {
	if c.uniform() {
		return int(c.Order.Uint16(buf[2:4]))
	}
	off := c.dirOff(i) + 2
	return int(c.Order.Uint16(buf[off : off+2]))
}

func (c Codec) setSize(buf []byte, i, size int) {
	if c.uniform() {
		c.Order.PutUint16(buf[2:4], uint16(size))
		return
	}
	off := c.dirOff(i) + 2
	c.Order.PutUint16(buf[off:off+2], uint16(size))
}

// bound returns the end of entry i's key, which is the previous entry's
// pointer or the end of the buffer for entry 0.
func (c Codec) bound(buf []byte, i int) int {
	if i == 0 {
		return len(buf)
	}
	return c.ptrAt(buf, i-1)
}

// Init formats buf as an empty bucket. The buffer must be addressable by
// 16-bit pointers and large enough for the header.
func (c Codec) Init(buf []byte) error {
	if len(buf) > 0xFFFF || len(buf) < c.header() {
		return ErrBucketSize
	}
	for i := 0; i < c.header(); i++ {
		buf[i] = 0
	}
	return nil
}

// KeyAt returns the key of entry i, or nil if i is past the last entry.
// The slice aliases the bucket buffer.
func (c Codec) KeyAt(buf []byte, i int) []byte {
	if i < 0 || i >= c.Entries(buf) {
		return nil
	}
	ptr := c.ptrAt(buf, i)
	size := c.sizeAt(buf, i)
	return buf[ptr+size : c.bound(buf, i)]
}

// ValueAt returns the value of entry i, or nil if i is past the last
// entry. The slice aliases the bucket buffer.
func (c Codec) ValueAt(buf []byte, i int) []byte {
	if i < 0 || i >= c.Entries(buf) {
		return nil
	}
	ptr := c.ptrAt(buf, i)
	return buf[ptr : ptr+c.sizeAt(buf, i)]
}

// search returns the largest index whose key compares less than or equal
// to key, clamped to 0. The bucket must not be empty. The clamped result
// doubles as the insertion point for a smaller-than-everything key, which
// is what lets one search serve lookup and insert alike.
func (c Codec) search(buf []byte, key []byte) int {
	l, r := 0, c.Entries(buf)-1
	for l < r {
		m := (l + r + 1) / 2
		if bytes.Compare(c.KeyAt(buf, m), key) <= 0 {
			l = m
		} else {
			r = m - 1
		}
	}
	return l
}

// Find returns the value and index of the entry holding key, or
// ErrNotFound. The value aliases the bucket buffer.
func (c Codec) Find(buf []byte, key []byte) ([]byte, int, error) {
	if c.Entries(buf) == 0 {
		return nil, 0, ErrNotFound
	}
	i := c.search(buf, key)
	if !bytes.Equal(c.KeyAt(buf, i), key) {
		return nil, 0, ErrNotFound
	}
	return c.ValueAt(buf, i), i, nil
}

// Search returns the value and index of the entry with the largest key
// less than or equal to key, or the first entry when every key is
// greater. This is the child-selection step for internal nodes. It
// returns ErrNotFound only on an empty bucket.
func (c Codec) Search(buf []byte, key []byte) ([]byte, int, error) {
	if c.Entries(buf) == 0 {
		return nil, 0, ErrNotFound
	}
	i := c.search(buf, key)
	return c.ValueAt(buf, i), i, nil
}

// free returns the bytes between the end of the directory and the lowest
// payload address.
func (c Codec) free(buf []byte) int {
	n := c.Entries(buf)
	last := len(buf)
	if n > 0 {
		last = c.ptrAt(buf, n-1)
	}
	return last - c.dirOff(n)
}

// fits classifies an allocation request against the bucket.
func (c Codec) fits(buf []byte, keylen, size int) error {
	if keylen+size+c.dirCost() > len(buf)-c.header() {
		return ErrTooBig
	}
	if keylen+size+c.dirCost() > c.free(buf) {
		return ErrNoRoom
	}
	return nil
}

// Alloc inserts an entry for key with a value of size bytes, keeping the
// bucket sorted, and returns the value slice and the entry index. The
// value bytes are uninitialized; the caller fills them in place. Keys are
// not checked for duplicates.
func (c Codec) Alloc(buf []byte, key []byte, size int) ([]byte, int, error) {
	if c.uniform() {
		if n := c.Entries(buf); n > 0 && c.sizeAt(buf, 0) != size {
			return nil, 0, ErrSizeFixed
		}
	}
	if err := c.fits(buf, len(key), size); err != nil {
		return nil, 0, err
	}

	n := c.Entries(buf)
	idx := 0
	if n > 0 {
		idx = c.search(buf, key)
		if bytes.Compare(c.KeyAt(buf, idx), key) < 0 {
			idx++
		}
	}
	return c.insert(buf, idx, key, size), idx, nil
}

// Append adds an entry for key after the current last entry without
// comparing keys. The caller guarantees key sorts after every existing
// key; this is the bulk-load and rightmost-leaf fast path.
func (c Codec) Append(buf []byte, key []byte, size int) ([]byte, error) {
	if c.uniform() {
		if n := c.Entries(buf); n > 0 && c.sizeAt(buf, 0) != size {
			return nil, ErrSizeFixed
		}
	}
	if err := c.fits(buf, len(key), size); err != nil {
		return nil, err
	}
	return c.insert(buf, c.Entries(buf), key, size), nil
}

// insert places an entry at directory index idx, shifting payloads and
// directory slots as needed. Space must already be checked.
func (c Codec) insert(buf []byte, idx int, key []byte, size int) []byte {
	n := c.Entries(buf)
	need := len(key) + size
	last := len(buf)
	if n > 0 {
		last = c.ptrAt(buf, n-1)
	}

	var ptr int
	if idx < n {
		// shift payloads of entries idx..n-1 down to open a hole
		// below entry idx's bound
		bound := c.bound(buf, idx)
		copy(buf[last-need:], buf[last:bound])
		for i := n; i > idx; i-- {
			c.setPtr(buf, i, c.ptrAt(buf, i-1)-need)
			if !c.uniform() {
				c.setSize(buf, i, c.sizeAt(buf, i-1))
			}
		}
		ptr = bound - need
	} else {
		ptr = last - need
	}

	c.setPtr(buf, idx, ptr)
	c.setSize(buf, idx, size)
	copy(buf[ptr+size:], key)
	c.setEntries(buf, n+1)
	return buf[ptr : ptr+size]
}

// ReallocAt resizes the value of entry idx in place, preserving as many
// of its leading bytes as fit, and returns the new value slice. Growing
// can fail with ErrNoRoom or ErrTooBig. Uniform-layout buckets cannot
// change an entry's size.
func (c Codec) ReallocAt(buf []byte, idx, newsize int) ([]byte, error) {
	n := c.Entries(buf)
	if idx < 0 || idx >= n {
		return nil, ErrBadIndex
	}
	ptr := c.ptrAt(buf, idx)
	size := c.sizeAt(buf, idx)
	if c.uniform() {
		if size != newsize {
			return nil, ErrSizeFixed
		}
		return buf[ptr : ptr+size], nil
	}
	if newsize == size {
		return buf[ptr : ptr+size], nil
	}

	keylen := c.bound(buf, idx) - ptr - size
	last := c.ptrAt(buf, n-1)
	if newsize > size {
		if newsize-size > last-c.dirOff(n) {
			if keylen+newsize+c.dirCost() > len(buf)-c.header() {
				return nil, ErrTooBig
			}
			return nil, ErrNoRoom
		}
	}

	// slide everything below the preserved value bytes
	keep := size
	if newsize < size {
		keep = newsize
	}
	delta := newsize - size
	copy(buf[last-delta:], buf[last:ptr+keep])

	c.setPtr(buf, idx, ptr-delta)
	c.setSize(buf, idx, newsize)
	for i := idx + 1; i < n; i++ {
		c.setPtr(buf, i, c.ptrAt(buf, i)-delta)
	}
	ptr -= delta
	return buf[ptr : ptr+newsize], nil
}

// Realloc resizes the value of the entry holding key. See ReallocAt.
func (c Codec) Realloc(buf []byte, key []byte, newsize int) ([]byte, error) {
	if c.Entries(buf) == 0 {
		return nil, ErrNotFound
	}
	i := c.search(buf, key)
	if !bytes.Equal(c.KeyAt(buf, i), key) {
		return nil, ErrNotFound
	}
	return c.ReallocAt(buf, i, newsize)
}

// RemoveAt deletes entry idx, reclaiming its payload and directory slot.
func (c Codec) RemoveAt(buf []byte, idx int) error {
	n := c.Entries(buf)
	if idx < 0 || idx >= n {
		return ErrBadIndex
	}
	ptr := c.ptrAt(buf, idx)
	span := c.bound(buf, idx) - ptr
	last := c.ptrAt(buf, n-1)

	// close the payload hole
	copy(buf[last+span:], buf[last:ptr])
	for i := idx; i+1 < n; i++ {
		c.setPtr(buf, i, c.ptrAt(buf, i+1)+span)
		if !c.uniform() {
			c.setSize(buf, i, c.sizeAt(buf, i+1))
		}
	}
	c.setEntries(buf, n-1)
	return nil
}

// Remove deletes the entry holding key, reporting ErrNotFound if absent.
func (c Codec) Remove(buf []byte, key []byte) error {
	if c.Entries(buf) == 0 {
		return ErrNotFound
	}
	i := c.search(buf, key)
	if !bytes.Equal(c.KeyAt(buf, i), key) {
		return ErrNotFound
	}
	return c.RemoveAt(buf, i)
}

// Split moves entries at..end from src into dst, which is reformatted
// first. Entries 0..at-1 stay in src. at may equal the entry count, in
// which case dst comes out empty.
func (c Codec) Split(dst, src []byte, at int) error {
	n := c.Entries(src)
	if at < 0 || at > n {
		return ErrBadIndex
	}
	if err := c.Init(dst); err != nil {
		return err
	}
	if c.uniform() && n > 0 {
		c.setSize(dst, 0, c.sizeAt(src, 0))
	}
	if at == n {
		return nil
	}

	boundary := len(src)
	if at > 0 {
		boundary = c.ptrAt(src, at-1)
	}
	last := c.ptrAt(src, n-1)
	span := boundary - last
	if span+c.dirOff(n-at) > len(dst) {
		return ErrNoRoom
	}

	copy(dst[len(dst)-span:], src[last:boundary])
	shift := len(dst) - boundary
	for i, j := at, 0; i < n; i, j = i+1, j+1 {
		c.setPtr(dst, j, c.ptrAt(src, i)+shift)
		if !c.uniform() {
			c.setSize(dst, j, c.sizeAt(src, i))
		}
	}
	c.setEntries(dst, n-at)
	c.setEntries(src, at)
	return nil
}

// Utilised returns the total bytes of value data in the bucket.
func (c Codec) Utilised(buf []byte) int {
	n := c.Entries(buf)
	if c.uniform() {
		return n * c.sizeAt(buf, 0)
	}
	sum := 0
	for i := 0; i < n; i++ {
		sum += c.sizeAt(buf, i)
	}
	return sum
}

// KeyBytes returns the total bytes of key data in the bucket.
func (c Codec) KeyBytes(buf []byte) int {
	n := c.Entries(buf)
	if n == 0 {
		return 0
	}
	span := len(buf) - c.ptrAt(buf, n-1)
	return span - c.Utilised(buf)
}

// Overhead returns the bytes consumed by the header and directory.
func (c Codec) Overhead(buf []byte) int {
	return c.dirOff(c.Entries(buf))
}

// Unused returns the free bytes between the directory and the payloads.
func (c Codec) Unused(buf []byte) int {
	return c.free(buf)
}

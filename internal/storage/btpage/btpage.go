// Package btpage frames a raw page buffer for use as a b-tree node.
//
// The frame wraps the bucket region with a two byte header and a
// variable tail:
//
//	[0]            tail size (header + prefix + sibling bytes)
//	[1]            leaf flag (bit 7) | prefix length (bits 0-6)
//	[2:2+size]     bucket region, handed to the bucket codec
//	[2+size:...]   shared key prefix
//	[len-12:len]   sibling pointer, leaf pages only
//
// The usable bucket size is the page size minus the tail, so the bucket
// codec never needs to know about framing. The sibling pointer of the
// last leaf in a tree refers to the leaf itself, which is how the chain
// terminates without a reserved location value.
package btpage

import (
	"encoding/binary"
	"errors"

	"github.com/termindex/termindex/internal/storage"
)

const (
	// HeaderSize is the fixed overhead at the front of every page.
	HeaderSize = 2
	// SiblingSize is the trailing sibling pointer size on leaf pages.
	SiblingSize = 12
	// MaxPrefix is the longest storable key prefix. Longer prefixes
	// are silently truncated.
	MaxPrefix = 127
	// EntrySize is the size of a child reference stored as an
	// internal-node value: a 32-bit file number and a 64-bit offset.
	EntrySize = 12

	leafBit = 0x80
)

// ErrPageSize means the page buffer is too small to frame.
var ErrPageSize = errors.New("btpage: page too small for framing")

// Frame provides access to one framed page. It holds only the buffer
// and the store byte order, so frames are cheap to construct per use.
type Frame struct {
	Buf   []byte
	Order binary.ByteOrder
}

// NewFrame wraps buf, which must be a full page, in the store byte order.
func NewFrame(buf []byte, order binary.ByteOrder) Frame {
	return Frame{Buf: buf, Order: order}
}

// Init formats the page with the given role and key prefix. Leaf pages
// get their sibling pointer set to sib. The prefix is truncated to
// MaxPrefix bytes; Init returns how many bytes were kept.
func (f Frame) Init(leaf bool, prefix []byte, sib storage.Loc) (int, error) {
	if len(prefix) > MaxPrefix {
		prefix = prefix[:MaxPrefix]
	}
	tail := HeaderSize + len(prefix)
	if leaf {
		tail += SiblingSize
	}
	if tail > len(f.Buf) || tail > 0xFF {
		return 0, ErrPageSize
	}

	f.Buf[0] = byte(tail)
	f.Buf[1] = byte(len(prefix))
	if leaf {
		f.Buf[1] |= leafBit
	}
	copy(f.Buf[HeaderSize+f.Size():], prefix)
	if leaf {
		f.SetSibling(sib)
	}
	return len(prefix), nil
}

// Size returns the bytes of the page usable by the bucket codec.
func (f Frame) Size() int {
	return len(f.Buf) - int(f.Buf[0])
}

// Bucket returns the bucket region of the page.
func (f Frame) Bucket() []byte {
	return f.Buf[HeaderSize : HeaderSize+f.Size()]
}

// Leaf reports whether the page is a leaf.
func (f Frame) Leaf() bool {
	return f.Buf[1]&leafBit != 0
}

// Prefix returns the stored key prefix of the page.
func (f Frame) Prefix() []byte {
	n := int(f.Buf[1] &^ leafBit)
	start := HeaderSize + f.Size()
	return f.Buf[start : start+n]
}

// Sibling returns the next leaf in key order. Only valid on leaf pages.
func (f Frame) Sibling() storage.Loc {
	off := len(f.Buf) - SiblingSize
	return storage.Loc{
		FileNo: f.Order.Uint32(f.Buf[off : off+4]),
		Offset: f.Order.Uint64(f.Buf[off+4 : off+12]),
	}
}

// SetSibling stores the next-leaf pointer. Only valid on leaf pages.
func (f Frame) SetSibling(sib storage.Loc) {
	off := len(f.Buf) - SiblingSize
	f.Order.PutUint32(f.Buf[off:off+4], sib.FileNo)
	f.Order.PutUint64(f.Buf[off+4:off+12], sib.Offset)
}

// PutEntry encodes a child page reference into an internal-node value.
func PutEntry(val []byte, loc storage.Loc, order binary.ByteOrder) {
	order.PutUint32(val[0:4], loc.FileNo)
	order.PutUint64(val[4:12], loc.Offset)
}

// GetEntry decodes a child page reference from an internal-node value.
func GetEntry(val []byte, order binary.ByteOrder) storage.Loc {
	return storage.Loc{
		FileNo: order.Uint32(val[0:4]),
		Offset: order.Uint64(val[4:12]),
	}
}

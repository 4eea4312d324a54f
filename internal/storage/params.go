// Package storage defines the on-disk parameters and shared location
// types for the term index storage engine.
package storage

import (
	"encoding/binary"
	"errors"
)

// ParamsSize is the serialized size of a Params block in bytes.
const ParamsSize = 19

// Strategy selects a bucket layout.
type Strategy uint8

const (
	// StrategyVariable stores a separate value length per entry.
	StrategyVariable Strategy = 1
	// StrategyUniform stores one value length for the whole bucket.
	StrategyUniform Strategy = 2
)

// String returns the string representation of a Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyVariable:
		return "Variable"
	case StrategyUniform:
		return "Uniform"
	default:
		return "Unknown"
	}
}

// Valid reports whether s names a known bucket layout.
func (s Strategy) Valid() bool {
	return s == StrategyVariable || s == StrategyUniform
}

// Errors for parameter handling.
var (
	ErrParamsShort   = errors.New("storage: buffer too small for params")
	ErrBadPageSize   = errors.New("storage: page size must be a power of two of at least 512")
	ErrBadStrategy   = errors.New("storage: unknown bucket strategy")
	ErrBadFileSize   = errors.New("storage: max file size smaller than page size")
	ErrBadTermLen    = errors.New("storage: max term length does not fit a quarter page")
	ErrBadEndianFlag = errors.New("storage: endianness flag must be 0 or 1")
)

// Params is the persisted configuration block written at the head of an
// index. Every other component derives its sizing and byte order from it.
//
// Serialized layout (always big-endian, in field order):
//
//	PageSize     uint32
//	MaxTermLen   uint16
//	MaxFileSize  uint32
//	VocabLSize   uint16
//	FileLSize    uint32
//	LeafStrategy uint8
//	NodeStrategy uint8
//	BigEndian    uint8
type Params struct {
	PageSize     uint32   // size of each vocabulary page
	MaxTermLen   uint16   // longest term accepted into the index
	MaxFileSize  uint32   // maximum size of each numbered file
	VocabLSize   uint16   // maximum in-page vocabulary entry size (0 = unlimited)
	FileLSize    uint32   // maximum external postings vector size
	LeafStrategy Strategy // bucket layout for leaf pages
	NodeStrategy Strategy // bucket layout for internal pages
	BigEndian    uint8    // 1 if in-page integers are big-endian
}

// Defaults returns the parameter block for a new index on this machine.
func Defaults() Params {
	return Params{
		PageSize:     8192,
		MaxTermLen:   49,
		MaxFileSize:  4294967295,
		VocabLSize:   0,
		FileLSize:    4294967295,
		LeafStrategy: StrategyVariable,
		NodeStrategy: StrategyVariable,
		BigEndian:    hostBigEndian(),
	}
}

// hostBigEndian reports the native integer byte order as a flag value.
func hostBigEndian() uint8 {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 0 {
		return 1
	}
	return 0
}

// Write serializes p into buf, which must hold at least ParamsSize bytes.
func (p *Params) Write(buf []byte) error {
	if len(buf) < ParamsSize {
		return ErrParamsShort
	}
	binary.BigEndian.PutUint32(buf[0:4], p.PageSize)
	binary.BigEndian.PutUint16(buf[4:6], p.MaxTermLen)
	binary.BigEndian.PutUint32(buf[6:10], p.MaxFileSize)
	binary.BigEndian.PutUint16(buf[10:12], p.VocabLSize)
	binary.BigEndian.PutUint32(buf[12:16], p.FileLSize)
	buf[16] = byte(p.LeafStrategy)
	buf[17] = byte(p.NodeStrategy)
	buf[18] = p.BigEndian
	return nil
}

// Read deserializes p from buf, which must hold at least ParamsSize bytes.
func (p *Params) Read(buf []byte) error {
	if len(buf) < ParamsSize {
		return ErrParamsShort
	}
	p.PageSize = binary.BigEndian.Uint32(buf[0:4])
	p.MaxTermLen = binary.BigEndian.Uint16(buf[4:6])
	p.MaxFileSize = binary.BigEndian.Uint32(buf[6:10])
	p.VocabLSize = binary.BigEndian.Uint16(buf[10:12])
	p.FileLSize = binary.BigEndian.Uint32(buf[12:16])
	p.LeafStrategy = Strategy(buf[16])
	p.NodeStrategy = Strategy(buf[17])
	p.BigEndian = buf[18]
	return nil
}

// Validate checks that the parameters describe a usable index.
func (p *Params) Validate() error {
	if p.PageSize < 512 || p.PageSize&(p.PageSize-1) != 0 {
		return ErrBadPageSize
	}
	if !p.LeafStrategy.Valid() || !p.NodeStrategy.Valid() {
		return ErrBadStrategy
	}
	if p.MaxFileSize < p.PageSize {
		return ErrBadFileSize
	}
	if uint32(p.MaxTermLen) > p.PageSize/4 {
		return ErrBadTermLen
	}
	if p.BigEndian > 1 {
		return ErrBadEndianFlag
	}
	return nil
}

// Order returns the byte order used for integers inside pages.
func (p *Params) Order() binary.ByteOrder {
	if p.BigEndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/termindex/termindex/internal/storage"
)

// Manifest errors.
var (
	ErrBadManifest = errors.New("manifest: not a termindex manifest")
)

const (
	manifestMagic   = "TIDX"
	manifestVersion = 1

	// magic + version + params + root + entries + levels
	manifestSize = 4 + 1 + storage.ParamsSize + 12 + 8 + 4
)

// indexBase is the basename shared by the manifest and the numbered
// index files in an index directory.
const indexBase = "vocab"

// manifest records what an index directory contains: the parameter
// block everything is sized by, the root page, and the tree shape.
type manifest struct {
	params  storage.Params
	root    storage.Loc
	entries uint64
	levels  uint32
}

// manifestPath returns the manifest file path for an index directory.
func manifestPath(dir string) string {
	return filepath.Join(dir, indexBase+".manifest")
}

// writeManifest serializes m to the manifest file of dir.
func writeManifest(dir string, m *manifest) error {
	buf := make([]byte, manifestSize)
	copy(buf[0:4], manifestMagic)
	buf[4] = manifestVersion
	if err := m.params.Write(buf[5 : 5+storage.ParamsSize]); err != nil {
		return err
	}
	off := 5 + storage.ParamsSize
	binary.BigEndian.PutUint32(buf[off:], m.root.FileNo)
	binary.BigEndian.PutUint64(buf[off+4:], m.root.Offset)
	binary.BigEndian.PutUint64(buf[off+12:], m.entries)
	binary.BigEndian.PutUint32(buf[off+20:], m.levels)

	return os.WriteFile(manifestPath(dir), buf, 0644)
}

// readManifest loads and validates the manifest of dir.
func readManifest(dir string) (*manifest, error) {
	buf, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return nil, err
	}
	if len(buf) < manifestSize || string(buf[0:4]) != manifestMagic {
		return nil, ErrBadManifest
	}
	if buf[4] != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadManifest, buf[4])
	}

	var m manifest
	if err := m.params.Read(buf[5 : 5+storage.ParamsSize]); err != nil {
		return nil, err
	}
	if err := m.params.Validate(); err != nil {
		return nil, err
	}
	off := 5 + storage.ParamsSize
	m.root.FileNo = binary.BigEndian.Uint32(buf[off:])
	m.root.Offset = binary.BigEndian.Uint64(buf[off+4:])
	m.entries = binary.BigEndian.Uint64(buf[off+12:])
	m.levels = binary.BigEndian.Uint32(buf[off+20:])
	return &m, nil
}

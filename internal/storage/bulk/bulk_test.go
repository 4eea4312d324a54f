package bulk

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/btree"
	"github.com/termindex/termindex/internal/storage/bucket"
	"github.com/termindex/termindex/internal/storage/fdset"
	"github.com/termindex/termindex/internal/storage/freemap"
)

func testParams(pageSize, maxFileSize uint32) storage.Params {
	params := storage.Defaults()
	params.PageSize = pageSize
	params.MaxFileSize = maxFileSize
	return params
}

func term(i int) string {
	return fmt.Sprintf("term%03d", i)
}

// writeFn lands a pending batch of pages at a file position.
type writeFn func(t *testing.T, fileno uint32, offset uint64, data []byte)

// memWriter collects written pages into per-file byte slices,
// checking every write lands at the current end of its file.
func memWriter(files map[uint32][]byte) writeFn {
	return func(t *testing.T, fileno uint32, offset uint64, data []byte) {
		t.Helper()
		if uint64(len(files[fileno])) != offset {
			t.Fatalf("write to file %d at offset %d, file has %d bytes",
				fileno, offset, len(files[fileno]))
		}
		files[fileno] = append(files[fileno], data...)
	}
}

// setWriter writes pages through a file set.
func setWriter(fs *fdset.Set) writeFn {
	return func(t *testing.T, fileno uint32, offset uint64, data []byte) {
		t.Helper()
		f, err := fs.Pin(fileno)
		if err != nil {
			t.Fatalf("failed to pin file %d: %v", fileno, err)
		}
		if _, err := f.WriteAt(data, int64(offset)); err != nil {
			t.Fatalf("failed to write file %d: %v", fileno, err)
		}
		if err := fs.Unpin(fileno); err != nil {
			t.Fatalf("failed to unpin file %d: %v", fileno, err)
		}
	}
}

// mustInsert drives one insertion through the loader protocol and
// fills the value with fill bytes.
func mustInsert(t *testing.T, l *Loader, write writeFn, key string, size int, fill byte) {
	t.Helper()
	for {
		st, err := l.Insert([]byte(key), size)
		if err != nil {
			t.Fatalf("failed to insert %q: %v", key, err)
		}
		switch st {
		case StatusOK:
			val := l.Value()
			if len(val) != size {
				t.Fatalf("expected %d byte value for %q, got %d", size, key, len(val))
			}
			for i := range val {
				val[i] = fill
			}
			return
		case StatusWrite:
			p := l.Pending()
			write(t, l.FileNo, l.Offset, p)
			l.Offset += uint64(len(p))
		case StatusFlush:
			l.FileNo++
			l.Offset = 0
		default:
			t.Fatalf("unexpected status %d inserting %q", st, key)
		}
	}
}

// mustFinalise drains the loader and returns the root location.
func mustFinalise(t *testing.T, l *Loader, write writeFn) storage.Loc {
	t.Helper()
	for {
		st, err := l.Finalise()
		if err != nil {
			t.Fatalf("failed to finalise: %v", err)
		}
		switch st {
		case StatusFinish:
			return l.Root()
		case StatusWrite:
			p := l.Pending()
			write(t, l.FileNo, l.Offset, p)
			l.Offset += uint64(len(p))
		case StatusFlush:
			l.FileNo++
			l.Offset = 0
		default:
			t.Fatalf("unexpected status %d finalising", st)
		}
	}
}

// scanAll walks the whole leaf chain, supplying single pages from the
// in-memory files, and returns the keys and copied values in order.
func scanAll(t *testing.T, params storage.Params, files map[uint32][]byte, first storage.Loc) ([]string, [][]byte) {
	t.Helper()

	r, err := NewReader(params, first)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}

	var keys []string
	var vals [][]byte
	for {
		st, err := r.Next()
		if err != nil {
			t.Fatalf("reader failed: %v", err)
		}
		switch st {
		case StatusOK:
			k, v := r.Term()
			keys = append(keys, string(k))
			vals = append(vals, append([]byte(nil), v...))
		case StatusRead:
			w := r.Wanted()
			data := files[w.FileNo]
			if uint64(len(data)) < w.Offset+uint64(params.PageSize) {
				t.Fatalf("reader wants page %d:%d past end of file", w.FileNo, w.Offset)
			}
			r.Supply(w, data[w.Offset:w.Offset+uint64(params.PageSize)])
		case StatusFinish:
			return keys, vals
		default:
			t.Fatalf("unexpected reader status %d", st)
		}
	}
}

func totalPages(files map[uint32][]byte, pageSize uint32) int {
	n := 0
	for _, data := range files {
		n += len(data) / int(pageSize)
	}
	return n
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoaderSingleLeaf(t *testing.T) {
	params := testParams(512, 1<<30)
	files := make(map[uint32][]byte)
	write := memWriter(files)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	for i := 0; i < 5; i++ {
		mustInsert(t, l, write, term(i), 20, byte('a'+i))
	}

	root := mustFinalise(t, l, write)
	if root.FileNo != 0 || root.Offset != 0 {
		t.Fatalf("expected root at 0:0, got %d:%d", root.FileNo, root.Offset)
	}
	if l.Levels() != 1 {
		t.Fatalf("expected 1 level, got %d", l.Levels())
	}
	if got := totalPages(files, 512); got != 1 {
		t.Fatalf("expected 1 page written, got %d", got)
	}

	keys, vals := scanAll(t, params, files, root)
	if len(keys) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(keys))
	}
	for i, k := range keys {
		if k != term(i) {
			t.Fatalf("entry %d is %q, expected %q", i, k, term(i))
		}
		if !bytes.Equal(vals[i], bytes.Repeat([]byte{byte('a' + i)}, 20)) {
			t.Fatalf("value of %q corrupted", k)
		}
	}
}

func TestLoaderEmptyTree(t *testing.T) {
	params := testParams(512, 1<<30)
	files := make(map[uint32][]byte)
	write := memWriter(files)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	root := mustFinalise(t, l, write)

	keys, _ := scanAll(t, params, files, root)
	if len(keys) != 0 {
		t.Fatalf("expected no entries, got %d", len(keys))
	}
}

func TestLoaderMultiLevel(t *testing.T) {
	params := testParams(512, 1<<30)
	files := make(map[uint32][]byte)
	write := memWriter(files)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	for i := 0; i < 200; i++ {
		mustInsert(t, l, write, term(i), 40, byte('a'+i%26))
	}
	root := mustFinalise(t, l, write)

	if l.Levels() < 2 {
		t.Fatalf("expected a multi-level tree, got %d levels", l.Levels())
	}

	// the first page written is always the leftmost leaf
	keys, vals := scanAll(t, params, files, storage.Loc{})
	if len(keys) != 200 {
		t.Fatalf("expected 200 entries, got %d", len(keys))
	}
	for i, k := range keys {
		if k != term(i) {
			t.Fatalf("entry %d is %q, expected %q", i, k, term(i))
		}
		if vals[i][0] != byte('a'+i%26) {
			t.Fatalf("value of %q corrupted", k)
		}
	}

	// the root page must exist in the written output
	if uint64(len(files[root.FileNo])) < root.Offset+512 {
		t.Fatalf("root %d:%d not covered by written pages", root.FileNo, root.Offset)
	}
}

func TestLoaderRollsFiles(t *testing.T) {
	params := testParams(512, 4*512)
	files := make(map[uint32][]byte)
	write := memWriter(files)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	for i := 0; i < 200; i++ {
		mustInsert(t, l, write, term(i), 40, byte('a'+i%26))
	}
	root := mustFinalise(t, l, write)

	if len(files) < 2 {
		t.Fatalf("expected output to span several files, got %d", len(files))
	}
	for fileno, data := range files {
		if len(data) > 4*512 {
			t.Fatalf("file %d has %d bytes, exceeds the maximum", fileno, len(data))
		}
	}

	keys, _ := scanAll(t, params, files, storage.Loc{})
	if len(keys) != 200 {
		t.Fatalf("expected 200 entries, got %d", len(keys))
	}
	for i, k := range keys {
		if k != term(i) {
			t.Fatalf("entry %d is %q, expected %q", i, k, term(i))
		}
	}
	if uint64(len(files[root.FileNo])) < root.Offset+512 {
		t.Fatalf("root %d:%d not covered by written pages", root.FileNo, root.Offset)
	}
}

func TestLoaderFillFactor(t *testing.T) {
	packed := make(map[uint32][]byte)
	loose := make(map[uint32][]byte)

	for _, tc := range []struct {
		fill  float64
		files map[uint32][]byte
	}{
		{1, packed},
		{0.5, loose},
	} {
		params := testParams(512, 1<<30)
		write := memWriter(tc.files)
		l, err := NewLoader(params, tc.fill, 4)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		for i := 0; i < 100; i++ {
			mustInsert(t, l, write, term(i), 40, 'x')
		}
		mustFinalise(t, l, write)

		keys, _ := scanAll(t, params, tc.files, storage.Loc{})
		if len(keys) != 100 {
			t.Fatalf("fill %v: expected 100 entries, got %d", tc.fill, len(keys))
		}
	}

	if totalPages(loose, 512) <= totalPages(packed, 512) {
		t.Fatalf("fill 0.5 wrote %d pages, packed wrote %d",
			totalPages(loose, 512), totalPages(packed, 512))
	}
}

func TestLoaderRejectsOversizeEntry(t *testing.T) {
	params := testParams(512, 1<<30)
	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	if _, err := l.Insert([]byte("huge"), 600); !errors.Is(err, bucket.ErrTooBig) {
		t.Fatalf("expected ErrTooBig, got %v", err)
	}
	if _, err := l.Insert([]byte("next"), 10); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState after a failure, got %v", err)
	}
}

func TestLoaderRejectsFinaliseThenInsert(t *testing.T) {
	params := testParams(512, 1<<30)
	files := make(map[uint32][]byte)
	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	mustInsert(t, l, memWriter(files), term(0), 20, 'x')
	mustFinalise(t, l, memWriter(files))
	if _, err := l.Insert([]byte(term(1)), 20); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
}

// =============================================================================
// Reader Tests
// =============================================================================

func TestReaderSuspends(t *testing.T) {
	params := testParams(512, 1<<30)
	files := make(map[uint32][]byte)
	write := memWriter(files)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	for i := 0; i < 50; i++ {
		mustInsert(t, l, write, term(i), 40, 'x')
	}
	mustFinalise(t, l, write)

	r, err := NewReader(params, storage.Loc{})
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}

	reads := 0
	seen := 0
	for {
		st, err := r.Next()
		if err != nil {
			t.Fatalf("reader failed: %v", err)
		}
		if st == StatusFinish {
			break
		}
		if st == StatusRead {
			reads++
			w := r.Wanted()
			r.Supply(w, files[w.FileNo][w.Offset:w.Offset+512])
			continue
		}
		seen++
	}
	if seen != 50 {
		t.Fatalf("expected 50 entries, got %d", seen)
	}
	if reads < 2 {
		t.Fatalf("expected the reader to request several pages, got %d", reads)
	}
}

func TestReaderWideWindow(t *testing.T) {
	params := testParams(512, 1<<30)
	files := make(map[uint32][]byte)
	write := memWriter(files)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	for i := 0; i < 50; i++ {
		mustInsert(t, l, write, term(i), 40, 'x')
	}
	mustFinalise(t, l, write)

	// supplying a whole file at once must need one read per file
	r, err := NewReader(params, storage.Loc{})
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	reads, seen := 0, 0
	for {
		st, err := r.Next()
		if err != nil {
			t.Fatalf("reader failed: %v", err)
		}
		if st == StatusFinish {
			break
		}
		if st == StatusRead {
			reads++
			w := r.Wanted()
			r.Supply(storage.Loc{FileNo: w.FileNo}, files[w.FileNo])
			continue
		}
		seen++
	}
	if seen != 50 {
		t.Fatalf("expected 50 entries, got %d", seen)
	}
	if reads != 1 {
		t.Fatalf("expected a single read for the whole file, got %d", reads)
	}
}

// =============================================================================
// Tree Interoperability Tests
// =============================================================================

func TestBulkBuildLoadsAsTree(t *testing.T) {
	params := testParams(512, 1<<30)
	dir := t.TempDir()
	fs := fdset.NewSet(dir, "vocab", 8)
	t.Cleanup(func() { fs.Close() })
	write := setWriter(fs)

	l, err := NewLoader(params, 1, 4)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	for i := 0; i < 200; i++ {
		mustInsert(t, l, write, term(i), 40, byte('a'+i%26))
	}
	root := mustFinalise(t, l, write)

	tree, err := btree.Load(params, freemap.New(1<<30), fs, root, 0)
	if err != nil {
		t.Fatalf("failed to load tree: %v", err)
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("loaded tree failed validation: %v", err)
	}
	if tree.Entries() != 200 {
		t.Fatalf("expected 200 entries, got %d", tree.Entries())
	}
	if tree.Levels() != l.Levels() {
		t.Fatalf("loader built %d levels, tree sees %d", l.Levels(), tree.Levels())
	}

	for i := 0; i < 200; i++ {
		val, err := tree.Find([]byte(term(i)), false)
		if err != nil {
			t.Fatalf("failed to find %q: %v", term(i), err)
		}
		if len(val) != 40 || val[0] != byte('a'+i%26) {
			t.Fatalf("value of %q corrupted", term(i))
		}
	}

	// the tree remains writable after a bulk build
	if _, err := tree.Alloc([]byte("zzz"), 30); err != nil {
		t.Fatalf("failed to alloc after load: %v", err)
	}
	if tree.Entries() != 201 {
		t.Fatalf("expected 201 entries after alloc, got %d", tree.Entries())
	}

	it, err := tree.NewIter(nil)
	if err != nil {
		t.Fatalf("failed to create iterator: %v", err)
	}
	count := 0
	var prev string
	for {
		key, _, err := it.Curr()
		if errors.Is(err, btree.ErrIterDone) {
			break
		}
		if err != nil {
			t.Fatalf("iterator failed: %v", err)
		}
		if count > 0 && string(key) <= prev {
			t.Fatalf("iteration out of order at %q", key)
		}
		prev = string(key)
		count++
		if err := it.Next(nil); err != nil && !errors.Is(err, btree.ErrIterDone) {
			t.Fatalf("iterator failed to advance: %v", err)
		}
	}
	if count != 201 {
		t.Fatalf("expected 201 entries in iteration, got %d", count)
	}
}

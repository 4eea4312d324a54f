package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/termindex/termindex/internal/logging"
	"github.com/termindex/termindex/internal/storage"
	"github.com/termindex/termindex/internal/storage/bulk"
	"github.com/termindex/termindex/internal/storage/fdset"
)

// descriptorLimit bounds the open index files during a build.
const descriptorLimit = 16

// buildCmd handles the build command.
func buildCmd(args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	indexDir := fs.String("index", "", "Index directory")
	input := fs.String("input", "-", "Input file path, \"-\" for stdin")
	pageSize := fs.Uint("page-size", uint(storage.Defaults().PageSize), "Page size in bytes")
	maxFileSize := fs.Uint("max-file-size", uint(storage.Defaults().MaxFileSize), "Maximum size of each index file")
	fill := fs.Float64("fill", 1, "Page fill factor in (0, 1]")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text, json")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printBuildUsage(os.Stdout)
		return 0
	}

	if *indexDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -index is required")
		return 1
	}

	logger := logging.New(logging.Config{Level: *logLevel, Format: *logFormat}).
		WithFields("index", *indexDir)

	params := storage.Defaults()
	params.PageSize = uint32(*pageSize)
	params.MaxFileSize = uint32(*maxFileSize)
	if err := params.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var in io.Reader
	if *input == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	if err := os.MkdirAll(*indexDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating index directory: %v\n", err)
		return 1
	}

	start := time.Now()
	m, err := buildIndex(in, *indexDir, params, *fill, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		return 1
	}

	logger.Info("index built",
		"terms", m.entries,
		"levels", m.levels,
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	return 0
}

// buildIndex bulk-loads the sorted term stream from in into dir and
// writes the manifest.
func buildIndex(in io.Reader, dir string, params storage.Params, fill float64, logger logging.Logger) (*manifest, error) {
	files := fdset.NewSet(dir, indexBase, descriptorLimit)
	defer files.Close()

	loader, err := bulk.NewLoader(params, fill, 8)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var prev []byte
	var entries uint64
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		term, payload, ok := bytes.Cut(line, []byte{'\t'})
		if !ok {
			return nil, fmt.Errorf("line %d: missing tab separator", lineno)
		}
		if len(term) == 0 {
			return nil, fmt.Errorf("line %d: empty term", lineno)
		}
		if len(term) > int(params.MaxTermLen) {
			return nil, fmt.Errorf("line %d: term longer than %d bytes", lineno, params.MaxTermLen)
		}
		if bytes.Compare(term, prev) < 0 {
			return nil, fmt.Errorf("line %d: input not sorted, %q after %q", lineno, term, prev)
		}
		prev = append(prev[:0], term...)

		if err := loadTerm(loader, files, term, payload); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		entries++

		if entries%1000000 == 0 {
			logger.Debug("bulk load progress", "terms", entries)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	root, levels, err := finishLoad(loader, files)
	if err != nil {
		return nil, err
	}
	if err := files.Sync(); err != nil {
		return nil, err
	}

	m := &manifest{params: params, root: root, entries: entries, levels: uint32(levels)}
	if err := writeManifest(dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadTerm drives one insertion through the loader protocol.
func loadTerm(loader *bulk.Loader, files *fdset.Set, term, payload []byte) error {
	for {
		st, err := loader.Insert(term, len(payload))
		if err != nil {
			return err
		}
		switch st {
		case bulk.StatusOK:
			copy(loader.Value(), payload)
			return nil
		case bulk.StatusWrite:
			if err := writePending(loader, files); err != nil {
				return err
			}
		case bulk.StatusFlush:
			loader.FileNo++
			loader.Offset = 0
		default:
			return fmt.Errorf("unexpected loader status %d", st)
		}
	}
}

// finishLoad drains the loader and returns the root location and depth.
func finishLoad(loader *bulk.Loader, files *fdset.Set) (storage.Loc, int, error) {
	for {
		st, err := loader.Finalise()
		if err != nil {
			return storage.Loc{}, 0, err
		}
		switch st {
		case bulk.StatusFinish:
			return loader.Root(), loader.Levels(), nil
		case bulk.StatusWrite:
			if err := writePending(loader, files); err != nil {
				return storage.Loc{}, 0, err
			}
		case bulk.StatusFlush:
			loader.FileNo++
			loader.Offset = 0
		default:
			return storage.Loc{}, 0, fmt.Errorf("unexpected loader status %d", st)
		}
	}
}

// writePending lands the loader's pending pages and advances its offset.
func writePending(loader *bulk.Loader, files *fdset.Set) error {
	pending := loader.Pending()
	f, err := files.Pin(loader.FileNo)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(pending, int64(loader.Offset)); err != nil {
		files.Unpin(loader.FileNo)
		return err
	}
	if err := files.Unpin(loader.FileNo); err != nil {
		return err
	}
	loader.Offset += uint64(len(pending))
	return nil
}

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/termindex/termindex/internal/storage/btree"
	"github.com/termindex/termindex/internal/storage/fdset"
	"github.com/termindex/termindex/internal/storage/freemap"
)

// dumpCmd handles the dump command.
func dumpCmd(args []string) int {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	indexDir := fs.String("index", "", "Index directory")
	sizes := fs.Bool("sizes", false, "Print the payload size after each term")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printDumpUsage(os.Stdout)
		return 0
	}

	if *indexDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -index is required")
		return 1
	}

	m, err := readManifest(*indexDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading index: %v\n", err)
		return 1
	}

	files := fdset.NewSet(*indexDir, indexBase, descriptorLimit)
	defer files.Close()

	fm := freemap.New(uint64(m.params.MaxFileSize))
	tree, err := btree.LoadQuick(m.params, fm, files, m.root, m.entries, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		return 1
	}

	it, err := tree.NewIter(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		return 1
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		key, val, err := it.Curr()
		if errors.Is(err, btree.ErrIterDone) {
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Dump failed: %v\n", err)
			return 1
		}

		if *sizes {
			fmt.Fprintf(out, "%s\t%d\n", key, len(val))
		} else {
			fmt.Fprintf(out, "%s\n", key)
		}

		if err := it.Next(nil); err != nil && !errors.Is(err, btree.ErrIterDone) {
			fmt.Fprintf(os.Stderr, "Dump failed: %v\n", err)
			return 1
		}
	}
}

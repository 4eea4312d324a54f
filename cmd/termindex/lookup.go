package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/termindex/termindex/internal/storage/btree"
	"github.com/termindex/termindex/internal/storage/fdset"
	"github.com/termindex/termindex/internal/storage/freemap"
)

// lookupCmd handles the lookup command.
func lookupCmd(args []string) int {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	indexDir := fs.String("index", "", "Index directory")
	term := fs.String("term", "", "Term to look up")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printLookupUsage(os.Stdout)
		return 0
	}

	if *indexDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -index is required")
		return 1
	}
	if *term == "" {
		fmt.Fprintln(os.Stderr, "Error: -term is required")
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

	val, err := tree.Find([]byte(*term), false)
	if errors.Is(err, btree.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Term not found: %s\n", *term)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		return 1
	}

	os.Stdout.Write(val)
	fmt.Println()
	return 0
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/termindex/termindex/internal/storage/btree"
	"github.com/termindex/termindex/internal/storage/fdset"
	"github.com/termindex/termindex/internal/storage/freemap"
)

// statsCmd handles the stats command.
func statsCmd(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	indexDir := fs.String("index", "", "Index directory")
	verify := fs.Bool("verify", false, "Run the structural consistency check")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printStatsUsage(os.Stdout)
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

	// A full load walks every page, which is what the counts need.
	fm := freemap.New(uint64(m.params.MaxFileSize))
	tree, err := btree.Load(m.params, fm, files, m.root, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		return 1
	}

	if *verify {
		if err := tree.Check(); err != nil {
			fmt.Fprintf(os.Stderr, "Consistency check failed: %v\n", err)
			return 1
		}
	}

	stats, err := tree.TreeStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}

	total := uint64(stats.Pages) * uint64(tree.PageSize())
	fmt.Printf("Index: %s\n", *indexDir)
	fmt.Printf("  Page size:      %d\n", m.params.PageSize)
	fmt.Printf("  Leaf strategy:  %s\n", m.params.LeafStrategy)
	fmt.Printf("  Node strategy:  %s\n", m.params.NodeStrategy)
	fmt.Printf("  Entries:        %d\n", stats.Entries)
	fmt.Printf("  Levels:         %d\n", stats.Levels)
	fmt.Printf("  Pages:          %d (%d leaves, %d nodes)\n", stats.Pages, stats.Leaves, stats.Nodes)
	fmt.Printf("  Term+value:     %d bytes\n", stats.Utilised)
	fmt.Printf("  Overhead:       %d bytes\n", stats.Overhead)
	if total > 0 {
		fmt.Printf("  Utilisation:    %.1f%%\n", 100*float64(stats.Utilised)/float64(total))
	}
	if *verify {
		fmt.Printf("  Consistency:    ok\n")
	}
	return 0
}

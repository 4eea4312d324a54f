package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `termindex - Paged term index builder and inspector

Usage:
  termindex <command> [options]

Commands:
  build       Bulk-load a sorted term stream into a new index
  lookup      Print the payload stored for a term
  dump        Walk the index and print every term
  stats       Show page counts and space utilisation
  version     Show version information

Use "termindex <command> -h" for more information about a command.
`)
}

// printBuildUsage prints the build command usage.
func printBuildUsage(w io.Writer) {
	fmt.Fprint(w, `Bulk-load a sorted term stream into a new index

Reads lines of the form "term<TAB>payload" from the input, which must be
sorted by term, and writes a fresh index into the index directory.

Usage:
  termindex build [options]

Options:
  -index string
        Index directory (required)
  -input string
        Input file path, "-" for stdin (default "-")
  -page-size uint
        Page size in bytes, a power of two of at least 512 (default 8192)
  -max-file-size uint
        Maximum size of each index file (default 4294967295)
  -fill float
        Page fill factor in (0, 1], 1 packs pages full (default 1)
  -log-level string
        Log level: debug, info, warn, error (default "info")
  -log-format string
        Log format: text, json (default "text")
  -h, -help
        Show this help message
`)
}

// printLookupUsage prints the lookup command usage.
func printLookupUsage(w io.Writer) {
	fmt.Fprint(w, `Print the payload stored for a term

Usage:
  termindex lookup [options]

Options:
  -index string
        Index directory (required)
  -term string
        Term to look up (required)
  -h, -help
        Show this help message
`)
}

// printDumpUsage prints the dump command usage.
func printDumpUsage(w io.Writer) {
	fmt.Fprint(w, `Walk the index and print every term

Usage:
  termindex dump [options]

Options:
  -index string
        Index directory (required)
  -sizes
        Print the payload size after each term
  -h, -help
        Show this help message
`)
}

// printStatsUsage prints the stats command usage.
func printStatsUsage(w io.Writer) {
	fmt.Fprint(w, `Show page counts and space utilisation

Usage:
  termindex stats [options]

Options:
  -index string
        Index directory (required)
  -verify
        Run the structural consistency check
  -h, -help
        Show this help message
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  termindex version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}

// Package logging provides structured logging for the termindex tools.
//
// # Overview
//
// The logging package provides a structured logging interface with support for:
//
//   - Multiple log levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Field-based contextual logging
//
// # Creating a Logger
//
// Create a logger with configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/termindex.log",
//	})
//
// Or use defaults:
//
//	logger := logging.NewDefault() // Info level, text format, stderr
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Log Levels
//
// Four log levels are supported:
//
//	logger.Debug("detailed debugging info", "key", "value")
//	logger.Info("informational message", "key", "value")
//	logger.Warn("warning message", "key", "value")
//	logger.Error("error message", "key", "value")
//
// Parse level from string:
//
//	level := logging.ParseLevel("debug") // Returns LevelDebug
//
// # Structured Logging
//
// Add key-value pairs to log entries:
//
//	logger.Info("index built",
//	    "terms", 1204577,
//	    "pages", 18211,
//	    "levels", 3,
//	)
//
// Output (JSON format):
//
//	{
//	    "ts": "2026-02-18T10:30:00Z",
//	    "level": "info",
//	    "msg": "index built",
//	    "terms": 1204577,
//	    "pages": 18211,
//	    "levels": 3
//	}
//
// # Contextual Fields
//
// Create loggers with persistent fields:
//
//	buildLogger := logger.WithFields(
//	    "index", base,
//	    "dir", dir,
//	)
//
//	// All subsequent logs include these fields
//	buildLogger.Info("bulk load started")
//	buildLogger.Info("bulk load finished")
//
// # Output Formats
//
// Text format (human-readable):
//
//	2026-02-18T10:30:00Z [info] index built terms=1204577 pages=18211
//
// JSON format (machine-parseable):
//
//	{"ts":"2026-02-18T10:30:00Z","level":"info","msg":"index built",...}
//
// # Output Destinations
//
// Configure output destination:
//
//	logging.Config{Output: "stderr"}                 // Standard error (default)
//	logging.Config{Output: "stdout"}                 // Standard output
//	logging.Config{Output: "/var/log/termindex.log"} // File path
package logging

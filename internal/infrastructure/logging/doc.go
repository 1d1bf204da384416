// Package logging provides structured logging for shellkit.
//
// This package wraps Go's standard log/slog package so the CLI and the
// test fixtures share one log shape.
//
// # Features
//
//   - Text output by default, JSON for machine consumption
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting daemon", "cmdline", cmdline)
//	logger.Error("daemon failed to start", "error", err)
package logging

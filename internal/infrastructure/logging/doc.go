// Package logging provides structured logging for the tunnel supervisor.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the daemon. It carries the
// daemon's own operational log; captured udp2raw process output is
// stored by the logsink package and never passes through here.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting tunnels", "count", 3)
//	logger.Error("snapshot load failed", "error", err)
//
// # Security
//
// Never log tunnel passwords. Log the alias or instance key instead of
// the full argument vector when a -k flag may be present.
package logging

// Package log provides structured protocol capture for device and account
// traffic.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at several layers (usbmux, lockdown, device
// services, HTTP). It is separate from operational logging (slog): protocol
// capture provides a complete machine-readable trace for debugging pairing
// and provisioning problems.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For bug reports: write to a capture file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("impactor.ilog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(a, b)
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with the .ilog
// extension. Reader iterates over them with an optional Filter; the
// impactor CLI "log" command prints them.
package log

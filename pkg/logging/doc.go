// Package logging provides the gateway's structured logging facility.
//
// Two execution modes are supported:
//
//   - Server mode: log entries are written directly to a configured
//     io.Writer using a slog text handler. This is the default for the
//     gatewayd process.
//   - Feed mode: in addition to the writer, every entry is copied onto a
//     bounded channel returned by Init, for the caller to drain. The
//     gatewayd process starts in server mode, and no package in it reads
//     this channel.
//
// All logging calls are subsystem-tagged (the component name, e.g. "Router",
// "CircuitBreaker", "StdioAdapter") so log aggregation can filter by
// component without parsing message text.
//
// Audit records security-sensitive operations — auth attempts, template and
// instance lifecycle changes, breaker force-state calls — as a single INFO
// line prefixed with [AUDIT], in key=value form, so they can be shipped to a
// SIEM without special-casing the gateway's log format.
package logging

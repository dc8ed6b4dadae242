// Package logging configures the slog loggers shared by groupcast nodes and
// names the attribute keys their records carry.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	ErrUnknownLevel  = errors.New("unknown log level")
	ErrUnknownFormat = errors.New("unknown log format")
)

// Output formats accepted by NewLogger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Attribute keys. Every groupcast record uses these so that log pipelines can
// follow one node, peer or group across client and server output.
const (
	KeyNodeID     = "node_id"
	KeyPeerID     = "peer_id"
	KeyGroupID    = "group_id"
	KeyAlias      = "alias"
	KeyType       = "msg_type"
	KeyChannel    = "channel"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyTransport  = "transport"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyCount      = "count"
	KeyDuration   = "duration"
)

// ParseLevel maps a configured level name to its slog level. Names are case
// insensitive and "warning" is accepted for warn.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
}

// ParseFormat normalizes a configured output format.
func ParseFormat(name string) (string, error) {
	switch f := strings.ToLower(name); f {
	case FormatText, FormatJSON:
		return f, nil
	}
	return FormatText, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// NewLogger writes to stderr. See NewLoggerWithWriter.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter builds a logger for the configured level and format.
// Unknown values fall back to info and text; config validation reports them.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	if f, _ := ParseFormat(format); f == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithNode tags every record with the component ("client" or "server") and
// the short node ID. A nil logger yields a discarding one.
func WithNode(logger *slog.Logger, component, nodeID string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, component, KeyNodeID, nodeID)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

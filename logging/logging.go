// Package logging provides the runtime's slog handlers: the default line
// formatter
//
//	YYYY-MM-DDTHH:MM:SS.mmm pid(tid) L func@file:line message
//
// and a GCP-compatible JSON formatter with top-level timestamp, severity,
// message, sourceLocation, pid and tid keys. Reserved structured fields may
// appear under arbitrary user keys.
package logging

import (
	"log/slog"
	"strings"
)

// Levels beyond the slog defaults. V sorts below Debug; F and M sort above
// Error so they always pass level filters.
const (
	// LevelVerbose is the V level.
	LevelVerbose = slog.Level(-8)
	// LevelFatal is the F level for aborting diagnostics.
	LevelFatal = slog.Level(12)
	// LevelMark is the M level used for machine-readable marker lines such
	// as the graph-resources record.
	LevelMark = slog.Level(16)
)

// letter maps a level to its single-letter tag.
func letter(l slog.Level) string {
	switch {
	case l >= LevelMark:
		return "M"
	case l >= LevelFatal:
		return "F"
	case l >= slog.LevelError:
		return "E"
	case l >= slog.LevelWarn:
		return "W"
	case l >= slog.LevelInfo:
		return "I"
	case l >= slog.LevelDebug:
		return "D"
	default:
		return "V"
	}
}

// severity maps a level to the GCP severity string.
func severity(l slog.Level) string {
	switch {
	case l >= LevelMark:
		return "NOTICE"
	case l >= LevelFatal:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ParseLevel maps a configuration string to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "verbose":
		return LevelVerbose
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

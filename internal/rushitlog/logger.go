// Package rushitlog wires the harness into the logiface structured-logging
// facade, bound to the stumpy JSON backend, mirroring the construction
// pattern demonstrated by the teacher's logiface-stumpy factory.
package rushitlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type (
	// Logger is the structured logger type threaded through every
	// constructor in this module.
	Logger = logiface.Logger[*stumpy.Event]

	// Level is the syslog-style severity used by Logger.
	Level = logiface.Level
)

// Field names used consistently across components, so log consumers can
// grep a stable vocabulary instead of guessing key names per call site.
const (
	FieldFlowID    = "flow_id"
	FieldThreadID  = "tid"
	FieldHook      = "hook"
	FieldIncidents = "incidents"
	FieldAddr      = "addr"
)

// New constructs a Logger writing newline-delimited JSON to w at the given
// minimum level. Pass logiface.LevelDisabled to silence it entirely (tests
// do this to keep output clean).
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*stumpy.Event](level),
	)
}

// Default is the package-level logger used by cmd/rushit before a logger is
// explicitly wired into the coordinator, mirroring the teacher's
// eventloop.SetStructuredLogger pattern of a single ambient fallback rather
// than a package-global used throughout.
var Default = New(os.Stderr, logiface.LevelInformational)

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		Default = l
	}
}

// Package rushiterr defines the typed error kinds shared across the
// benchmark harness, following the wrap/cause conventions used throughout
// the wider corpus (Unwrap() error, Is/As friendly).
package rushiterr

import (
	"errors"
	"fmt"
)

// HookKind is one of the EHOOK* outcomes a protected script call can
// produce, see spec section 7.4.
type HookKind int

const (
	// HookEmpty means no hook was registered for this slot; callers treat
	// this as "use the default path", not as a real error.
	HookEmpty HookKind = iota
	// HookRetval means the hook ran but returned a non-numeric value;
	// also soft, treated the same as HookEmpty.
	HookRetval
	// HookRun means the hook threw/panicked during execution.
	HookRun
	// HookSyntax means the script failed to compile.
	HookSyntax
	// HookMem means the call faulted outside normal script execution: the
	// runtime interrupted it, or a Go panic escaped it.
	HookMem
	// HookErr is a catch-all fatal outcome not covered by the above.
	HookErr
)

func (k HookKind) String() string {
	switch k {
	case HookEmpty:
		return "EHOOKEMPTY"
	case HookRetval:
		return "EHOOKRETVAL"
	case HookRun:
		return "EHOOKRUN"
	case HookSyntax:
		return "EHOOKSYNTAX"
	case HookMem:
		return "EHOOKMEM"
	case HookErr:
		return "EHOOKERR"
	default:
		return "EHOOKUNKNOWN"
	}
}

// Fatal reports whether a HookKind must abort the caller rather than fall
// through to a default behaviour.
func (k HookKind) Fatal() bool {
	switch k {
	case HookEmpty, HookRetval:
		return false
	default:
		return true
	}
}

// HookError wraps a fatal hook outcome (HookRun/HookSyntax/HookMem/HookErr)
// together with the underlying script engine error, if any.
type HookError struct {
	Kind  HookKind
	Hook  string
	Cause error
}

func (e *HookError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: hook %q", e.Kind, e.Hook)
	}
	return fmt.Sprintf("%s: hook %q: %s", e.Kind, e.Hook, e.Cause)
}

// Unwrap exposes the underlying script error for errors.Is/errors.As.
func (e *HookError) Unwrap() error {
	return e.Cause
}

// Is matches any *HookError with the same Kind, regardless of cause or hook
// name, which lets callers write errors.Is(err, &HookError{Kind: HookRun}).
func (e *HookError) Is(target error) bool {
	var t *HookError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ControlPlaneError represents a rejected control-plane handshake (section
// 7.5): a mismatched secret or malformed frame. It never aborts the server;
// the connection is dropped and an incident counter incremented.
type ControlPlaneError struct {
	Reason string
	Cause  error
}

func (e *ControlPlaneError) Error() string {
	if e.Cause == nil {
		return "control plane: " + e.Reason
	}
	return fmt.Sprintf("control plane: %s: %s", e.Reason, e.Cause)
}

func (e *ControlPlaneError) Unwrap() error {
	return e.Cause
}

// FlowFatalError marks a per-flow fatal condition (peer EOF, RDHUP, or a
// read returning 0): the flow is retired, other flows continue.
type FlowFatalError struct {
	FlowID int
	Cause  error
}

func (e *FlowFatalError) Error() string {
	return fmt.Sprintf("flow %d retired: %s", e.FlowID, e.Cause)
}

func (e *FlowFatalError) Unwrap() error {
	return e.Cause
}

// Sentinel errors, matched with errors.Is so call sites share one
// vocabulary. Only the fatal-setup sentinel is defined; transient-I/O
// conditions (section 7.2) are matched against unix.Errno values directly.
var (
	// ErrSetup marks a fatal setup failure (bad options, bind/listen
	// failure, worker creation failure): the process aborts with a logged
	// message, see section 7.1.
	ErrSetup = errors.New("fatal setup error")
)

// WrapSetup wraps cause as a fatal setup error with additional context,
// matching the teacher's WrapError convention.
func WrapSetup(context string, cause error) error {
	return fmt.Errorf("%s: %w: %w", context, ErrSetup, cause)
}

package script

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/rushit-tool/rushit/internal/rushiterr"
)

// Slave is the per-worker-thread script state (component C6). Each worker
// thread owns exactly one Slave, built from the master Engine's compiled
// program via load (invoked through Engine.PushData). Replaying the
// program inside the slave's own private runtime re-runs every
// registrar call the script makes at top level, populating hooks with
// goja.Callable values that close over this slave's own runtime-local
// tables — which is how two hooks that share an upvalue in the source
// script end up sharing it here too, by ordinary closure semantics.
type Slave struct {
	isClient   bool
	rt         *goja.Runtime
	hooks      map[hookSlot]goja.Callable
	collectors []*goja.Object
}

// NewSlave constructs an empty slave; call load (or Engine.PushData)
// before invoking any hook.
func NewSlave() *Slave {
	return &Slave{hooks: make(map[hookSlot]goja.Callable)}
}

func (s *Slave) load(program *goja.Program, isClient bool) error {
	s.isClient = isClient
	s.rt = goja.New()
	s.hooks = make(map[hookSlot]goja.Callable)
	s.collectors = nil

	bindCommon(s.rt, func(obj *goja.Object) { s.collectors = append(s.collectors, obj) })
	bindHookRegistrars(s.rt, isClient, func(HookSide, HookKind) {})
	bindRunSelf(s.rt, isClient, func() {})
	bindSlaveHookCapture(s.rt, isClient, s.hooks)

	if _, err := s.rt.RunProgram(program); err != nil {
		return fmt.Errorf("script: slave replay: %w", err)
	}
	return nil
}

// bindSlaveHookCapture re-binds the side-specific registrar functions a
// second time (after bindHookRegistrars has already wired the
// validation-only versions) so that, on this runtime, a matching-side
// registration call actually retains the goja.Callable for later
// invocation.
func bindSlaveHookCapture(rt *goja.Runtime, isClient bool, hooks map[hookSlot]goja.Callable) {
	for side := SideClient; side <= SideServer; side++ {
		for kind := HookSocket; kind <= HookRecverr; kind++ {
			side, kind := side, kind
			name := hookNames[side][kind]
			_ = rt.Set(name, func(call goja.FunctionCall) goja.Value {
				fnVal := call.Argument(0)
				callable, ok := goja.AssertFunction(fnVal)
				if !ok {
					panic(rt.NewTypeError("%s expects a function argument", name))
				}
				if (side == SideClient) == isClient {
					hooks[hookSlot{Side: side, Kind: kind}] = callable
				}
				return goja.Undefined()
			})
		}
	}
}

// HasHook reports whether the script registered a hook for (side, kind)
// on this slave's own side.
func (s *Slave) HasHook(side HookSide, kind HookKind) bool {
	_, ok := s.hooks[hookSlot{Side: side, Kind: kind}]
	return ok
}

// Invoke calls the hook for (side, kind) with args, translating goja
// panics and runtime errors into the rushiterr.HookKind outcomes of
// section 7. A hook that was never registered returns a HookEmpty error so
// callers can distinguish "nothing to do" from "it failed".
func (s *Slave) Invoke(side HookSide, kind HookKind, args ...goja.Value) (result goja.Value, err error) {
	callable, ok := s.hooks[hookSlot{Side: side, Kind: kind}]
	if !ok {
		return goja.Undefined(), &rushiterr.HookError{Kind: rushiterr.HookEmpty, Hook: hookNames[side][kind]}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &rushiterr.HookError{
				Kind:  rushiterr.HookMem,
				Hook:  hookNames[side][kind],
				Cause: fmt.Errorf("script: panic in hook: %v", r),
			}
		}
	}()

	result, callErr := callable(goja.Undefined(), args...)
	if callErr != nil {
		return goja.Undefined(), &rushiterr.HookError{
			Kind:  classifyCallError(callErr),
			Hook:  hookNames[side][kind],
			Cause: callErr,
		}
	}
	return result, nil
}

// SocketHook adapts Invoke to the ioready.Hook signature used by the
// socket op vtable's DoOpen/DoClose composition (section 4.7): a missing
// hook (HookEmpty) or a non-numeric return (HookRetval) both mean "use the
// default path", reported here as (0, nil); a numeric return overrides the
// fd; any other outcome is returned as a fatal error.
func (s *Slave) SocketHook(side HookSide, kind HookKind) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		result, err := s.Invoke(side, kind, s.rt.ToValue(fd))
		if err != nil {
			var hookErr *rushiterr.HookError
			if errors.As(err, &hookErr) && hookErr.Kind == rushiterr.HookEmpty {
				return 0, nil
			}
			return 0, err
		}
		n, ok := asNumber(result)
		if !ok {
			return 0, nil
		}
		return int(n), nil
	}
}

func asNumber(v goja.Value) (float64, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, false
	}
	switch v.Export().(type) {
	case int64, float64, int:
		return v.ToFloat(), true
	default:
		return 0, false
	}
}

// classifyCallError maps a goja invocation error onto the closest
// rushiterr.HookKind. goja surfaces both script-level thrown exceptions
// and interpreter-internal faults (e.g. stack overflow) as plain errors
// from the Callable's error return, so the distinction is made on the
// exported Go error's dynamic type where possible, falling back to the
// generic HookErr kind.
func classifyCallError(err error) rushiterr.HookKind {
	switch err.(type) {
	case *goja.Exception:
		return rushiterr.HookRun
	case *goja.CompileError, *goja.CompilerSyntaxError:
		return rushiterr.HookSyntax
	case *goja.InterruptedError:
		return rushiterr.HookMem
	default:
		return rushiterr.HookErr
	}
}

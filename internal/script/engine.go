package script

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
)

// HookSide distinguishes the two families of socket hooks a script may
// register (section 4.5/4.6).
type HookSide int

const (
	SideClient HookSide = iota
	SideServer
)

// HookKind enumerates the five socket-lifecycle events a script may hook,
// per side.
type HookKind int

const (
	HookSocket HookKind = iota
	HookClose
	HookSendmsg
	HookRecvmsg
	HookRecverr
)

var hookNames = [2][5]string{
	SideClient: {"client_socket", "client_close", "client_sendmsg", "client_recvmsg", "client_recverr"},
	SideServer: {"server_socket", "server_close", "server_sendmsg", "server_recvmsg", "server_recverr"},
}

type hookSlot struct {
	Side HookSide
	Kind HookKind
}

// Engine is the master script engine (component C5): it loads a script
// exactly once, to validate it and to discover which hooks and collectors
// it registers, and exposes the compiled program so every worker thread's
// Slave (component C6) can independently replay it. isClient selects which
// family of side-specific registrar calls this engine instance honors;
// the other family's registrar calls are accepted (so a single script can
// register both client and server hooks) but silently ignored.
type Engine struct {
	isClient bool
	runFn    func()

	rt      *goja.Runtime
	program *goja.Program

	mu         sync.Mutex
	registered map[hookSlot]bool
	collectors []*goja.Object

	ran sync.Once
}

// NewEngine constructs a master engine for one side of the test. runFn is
// invoked exactly once, the first time the loaded script calls run() (or,
// if the script never calls it, once after the script body finishes
// executing) — it is the coordinator's hook for "now dispatch the workers
// and wait for the run to complete".
func NewEngine(isClient bool, runFn func()) *Engine {
	return &Engine{
		isClient:   isClient,
		runFn:      runFn,
		registered: make(map[hookSlot]bool),
	}
}

// Program returns the compiled bytecode so slaves can replay it. Valid
// only after RunString/RunFile has returned successfully.
func (e *Engine) Program() *goja.Program {
	return e.program
}

// IsRegistered reports whether the script, during its one master-side
// execution, registered a hook for (side, kind) on e's own side.
func (e *Engine) IsRegistered(side HookSide, kind HookKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered[hookSlot{Side: side, Kind: kind}]
}

// RunFile reads path and calls RunString with its contents.
func (e *Engine) RunFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("script: read %s: %w", path, err)
	}
	return e.RunString(path, string(src))
}

// RunString compiles src (named for error messages), binds the hook
// registrars and common callbacks described in section 4.5, and executes
// the program once in the master's own runtime. If the script's top-level
// code never calls run() itself, RunString calls it once after the script
// finishes, matching "engines that never see an explicit run() call still
// dispatch their side once the script body completes."
func (e *Engine) RunString(name, src string) error {
	program, err := goja.Compile(name, src, true)
	if err != nil {
		return fmt.Errorf("script: compile: %w", err)
	}
	e.program = program

	rt := goja.New()
	e.rt = rt
	bindCommon(rt, e.registerCollector)
	bindHookRegistrars(rt, e.isClient, e.onHookRegistered)
	bindRunSelf(rt, e.isClient, e.RunOnce)

	if _, err := rt.RunProgram(program); err != nil {
		return fmt.Errorf("script: run: %w", err)
	}
	e.RunOnce()
	return nil
}

func (e *Engine) onHookRegistered(side HookSide, kind HookKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered[hookSlot{Side: side, Kind: kind}] = true
}

func (e *Engine) registerCollector(obj *goja.Object) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collectors = append(e.collectors, obj)
}

// RunOnce empties every registered collector and invokes runFn. Calling it
// more than once (the script calling run() twice, or the implicit call
// after an explicit one already fired) is a no-op past the first call,
// matching section 4.5's "invoke the engine-level run function exactly
// once."
func (e *Engine) RunOnce() {
	e.ran.Do(func() {
		e.mu.Lock()
		collectors := append([]*goja.Object(nil), e.collectors...)
		e.mu.Unlock()
		for _, c := range collectors {
			_ = c.Set("length", 0)
		}
		if e.runFn != nil {
			e.runFn()
		}
	})
}

// PushData hands the compiled program to a slave so it can replay it in
// its own runtime; see the package doc and DESIGN.md for why this
// subsumes serializing individual hook closures.
func (e *Engine) PushData(s *Slave) error {
	if e.program == nil {
		return fmt.Errorf("script: PushData called before RunString/RunFile")
	}
	return s.load(e.program, e.isClient)
}

// PullData iterates the collectors the master observed being registered
// (in registration order) and, for each, reads the slave's corresponding
// collector's current contents, deserializes them, and appends a fresh
// copy into the master's own collector table under a new index — section
// 4.5's "pull_data" and the collector law of section 8.
func (e *Engine) PullData(s *Slave) error {
	masterCollectors := e.snapshotCollectors()
	slaveCollectors := s.collectors

	n := len(masterCollectors)
	if len(slaveCollectors) < n {
		n = len(slaveCollectors)
	}

	toMaster := make(map[Identity]*goja.Object)
	toSlave := make(map[*goja.Object]Identity)
	var nextSlave Identity

	for i := 0; i < n; i++ {
		wire, err := gojaToValue(s.rt, slaveCollectors[i], toSlave, &nextSlave)
		if err != nil {
			return fmt.Errorf("script: pull_data collector %d: %w", i, err)
		}
		val, err := valueToGoja(e.rt, wire, toMaster)
		if err != nil {
			return fmt.Errorf("script: pull_data collector %d: %w", i, err)
		}
		length := masterCollectors[i].Get("length")
		idx := "0"
		if length != nil {
			idx = length.String()
		}
		if err := masterCollectors[i].Set(idx, val); err != nil {
			return fmt.Errorf("script: pull_data collector %d: append: %w", i, err)
		}
	}
	return nil
}

func (e *Engine) snapshotCollectors() []*goja.Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*goja.Object(nil), e.collectors...)
}

// bindCommon wires the callbacks common to both sides: register_collector
// and the collect() prelude helper built on top of it.
func bindCommon(rt *goja.Runtime, registerCollector func(*goja.Object)) {
	registerFn := func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(rt)
		registerCollector(obj)
		return goja.Undefined()
	}
	_ = rt.Set("register_collector", registerFn)

	_ = rt.Set("collect", func(call goja.FunctionCall) goja.Value {
		arr := rt.NewArray(call.Argument(0))
		registerCollector(arr)
		return arr
	})
}

// bindHookRegistrars wires client_* / server_* registrar functions. A call
// on the side that does not match isClient is accepted (so scripts may
// register both families unconditionally) but otherwise ignored.
func bindHookRegistrars(rt *goja.Runtime, isClient bool, onRegistered func(HookSide, HookKind)) {
	for side := SideClient; side <= SideServer; side++ {
		for kind := HookSocket; kind <= HookRecverr; kind++ {
			side, kind := side, kind
			name := hookNames[side][kind]
			_ = rt.Set(name, func(call goja.FunctionCall) goja.Value {
				fn := call.Argument(0)
				if _, ok := goja.AssertFunction(fn); !ok {
					panic(rt.NewTypeError("%s expects a function argument", name))
				}
				if (side == SideClient) != isClient {
					return goja.Undefined()
				}
				onRegistered(side, kind)
				return goja.Undefined()
			})
		}
	}
}

// bindRunSelf wires is_client, is_server, tid_iter, and run().
func bindRunSelf(rt *goja.Runtime, isClient bool, runOnce func()) {
	_ = rt.Set("is_client", func(call goja.FunctionCall) goja.Value { return rt.ToValue(isClient) })
	_ = rt.Set("is_server", func(call goja.FunctionCall) goja.Value { return rt.ToValue(!isClient) })
	// tid_iter is left a no-op returning zero results: see DESIGN.md Open
	// Question decision 2.
	_ = rt.Set("tid_iter", func(call goja.FunctionCall) goja.Value { return rt.NewArray() })
	_ = rt.Set("run", func(call goja.FunctionCall) goja.Value {
		runOnce()
		return goja.Undefined()
	})
}

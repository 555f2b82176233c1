// Package coordinator implements the thread coordinator (component C9,
// spec section 4.9): constructs the master script engine and one worker
// per thread, pins them to cores, rendezvous on a shared barrier, and
// drives the whole run's lifecycle from the control plane's start signal
// through stop, join, and stats aggregation. Grounded on the original's
// thread.c run_main_thread/run_worker_threads/start_worker_threads.
package coordinator

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rushit-tool/rushit/internal/ioready"
	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/rushitlog"
	"github.com/rushit-tool/rushit/internal/sample"
	"github.com/rushit-tool/rushit/internal/script"
	"github.com/rushit-tool/rushit/internal/stats"
	"github.com/rushit-tool/rushit/internal/worker"
)

// ControlPlane is everything the coordinator needs from component C10,
// kept as an interface so this package never imports internal/control
// directly (the control plane, in turn, never needs the coordinator).
type ControlPlane interface {
	// Addr is the address workers share: the server socket a client
	// dials, or the address a server binds (spec section 4.9: "obtains
	// the addressinfo to be shared across workers").
	Addr() unix.Sockaddr
	// WaitUntilDone blocks until the handshake/test-length state machine
	// reaches DONE.
	WaitUntilDone()
	// Incidents reports the number of handshakes rejected for a
	// mismatched secret, reported alongside rusage at the end of a run.
	Incidents() int
}

// Config gathers every CLI-derived setting the coordinator threads down
// into each worker's own worker.Config, plus the settings that are the
// coordinator's own concern (thread count, pinning, scripting).
type Config struct {
	IsClient bool
	Mode     worker.Mode

	NumThreads int
	NumFlows   int
	PinCPU     bool

	Ops           ioready.Ops
	LocalAddr     unix.Sockaddr
	BufferSize    int
	RequestSize   int
	ResponseSize  int
	Interval      time.Duration
	EdgeTrigger   bool
	Nonblocking   bool
	MaxEvents     int
	ListenBacklog int
	Delay         time.Duration

	ScriptPath string
}

// Coordinator owns the thread array, the master engine, and the
// aggregated-sample buffer exclusively, per spec section 4.5's ownership
// summary.
type Coordinator struct {
	cfg Config
	cp  ControlPlane
	log *rushitlog.Logger

	engine     *script.Engine
	rusageIval *rusage.Interval
	barrier    *Barrier
	remoteAddr unix.Sockaddr

	workers []*worker.Worker
	slaves  []*script.Slave
	stops   []*ioready.StopSignal

	wg      sync.WaitGroup
	errMu   sync.Mutex
	runErrs []error
}

// New constructs a coordinator. cp must already have completed whatever
// setup is needed to expose Addr() (spec section 4.9: "creates the
// control plane and obtains the addressinfo to be shared across
// workers" happens before worker construction). rusageIval must be the
// same instance handed to the control plane (internal/control's Plane
// polls it to arm its test-length deadline from the first observed data
// byte), so the caller constructs it once and shares the pointer with
// both.
func New(cfg Config, cp ControlPlane, rusageIval *rusage.Interval, log *rushitlog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		cp:         cp,
		log:        log,
		rusageIval: rusageIval,
	}
	c.engine = script.NewEngine(cfg.IsClient, c.startWorkers)
	return c
}

// Run executes one full test lifecycle: create stop signals, load the
// script (which, once compiled, synchronously builds and starts the
// workers via startWorkers), rendezvous, wait on the control plane, stop,
// join, aggregate, and pull collector data back through the master
// engine.
func (c *Coordinator) Run() (stats.Result, error) {
	c.barrier = NewBarrier(c.cfg.NumThreads + 1)
	c.remoteAddr = c.cp.Addr()

	for i := 0; i < c.cfg.NumThreads; i++ {
		stop, err := ioready.NewStopSignal()
		if err != nil {
			return stats.Result{}, fmt.Errorf("coordinator: create stop signal for thread %d: %w", i, err)
		}
		c.stops = append(c.stops, stop)
	}

	// Loading the script compiles it (PushData, inside startWorkers, is
	// only valid once a program exists) and, via RunString/RunFile's own
	// trailing RunOnce call, invokes startWorkers exactly once before
	// returning — spec section 4.9: "the script's run() call ... invokes
	// the coordinator's 'start workers' callback, which spawns threads
	// and waits on the barrier." A script-free run still needs a
	// compiled (if empty) program for the same reason, so it goes
	// through RunString too rather than calling RunOnce directly.
	var err error
	if c.cfg.ScriptPath != "" {
		err = c.engine.RunFile(c.cfg.ScriptPath)
	} else {
		err = c.engine.RunString("<no-script>", "")
	}
	if err != nil {
		return stats.Result{}, fmt.Errorf("coordinator: load script: %w", err)
	}

	// The coordinator is the barrier's +1 party: this call blocks until
	// every spawned worker has reached setUp's end.
	c.barrier.Arrive()
	if c.log != nil {
		c.log.Info().Log("worker threads are ready")
	}

	if start, err := rusage.Now(); err == nil {
		c.rusageIval.Start = start
	} else if c.log != nil {
		c.log.Warning().Err(err).Log("capture starting rusage snapshot")
	}

	c.cp.WaitUntilDone()

	if end, err := rusage.Now(); err == nil {
		c.rusageIval.End = end
	} else if c.log != nil {
		c.log.Warning().Err(err).Log("capture ending rusage snapshot")
	}

	for i, stop := range c.stops {
		if err := stop.Signal(); err != nil && c.log != nil {
			c.log.Warning().Int(rushitlog.FieldThreadID, i).Err(err).Log("signal stop failed")
		}
	}
	c.wg.Wait()

	for _, stop := range c.stops {
		_ = stop.Close()
	}

	if err := c.firstRunErr(); err != nil {
		return stats.Result{}, err
	}

	result := stats.Aggregate(c.SampleLists(), c.log)

	for _, slave := range c.slaves {
		if err := c.engine.PullData(slave); err != nil {
			return result, fmt.Errorf("coordinator: pull script data: %w", err)
		}
	}

	if c.log != nil {
		c.log.Info().Int(rushitlog.FieldIncidents, c.cp.Incidents()).Log("run complete")
	}

	return result, nil
}

// startWorkers is the engine's runFn, invoked once the master's program is
// compiled: it builds one slave and worker per thread (PushData needs a
// compiled program, which only exists by the time this runs), then spawns
// one goroutine per worker, pinned to a physical core when c.cfg.PinCPU
// is set (spec section 4.9's "distributes workers across physical cores
// by reading /proc/cpuinfo"). It returns immediately after spawning;
// Run's own barrier.Arrive() performs the actual rendezvous wait.
func (c *Coordinator) startWorkers() {
	var cpuSets []unix.CPUSet
	if c.cfg.PinCPU {
		cpuSets = cpuSetsFromProc()
	}

	for i := 0; i < c.cfg.NumThreads; i++ {
		slave := script.NewSlave()
		if err := c.engine.PushData(slave); err != nil {
			c.recordErr(fmt.Errorf("coordinator: push script data to thread %d: %w", i, err))
			// Stand in for every thread from here on so the barrier
			// still reaches its party count — the same "arrive
			// unconditionally on setup failure" reasoning as
			// worker.Run's own setup path, just at the coordinator's
			// level instead of one worker's.
			for j := i; j < c.cfg.NumThreads; j++ {
				go c.barrier.Arrive()
			}
			return
		}
		c.slaves = append(c.slaves, slave)

		wcfg := worker.Config{
			Ops:           c.cfg.Ops,
			IsClient:      c.cfg.IsClient,
			Mode:          c.cfg.Mode,
			ThreadIndex:   i,
			NumThreads:    c.cfg.NumThreads,
			NumFlows:      c.cfg.NumFlows,
			RemoteAddr:    c.remoteAddr,
			LocalAddr:     c.cfg.LocalAddr,
			BufferSize:    c.cfg.BufferSize,
			RequestSize:   c.cfg.RequestSize,
			ResponseSize:  c.cfg.ResponseSize,
			Interval:      c.cfg.Interval,
			EdgeTrigger:   c.cfg.EdgeTrigger,
			Nonblocking:   c.cfg.Nonblocking,
			MaxEvents:     c.cfg.MaxEvents,
			ListenBacklog: c.cfg.ListenBacklog,
			Delay:         c.cfg.Delay,
		}
		w := worker.New(wcfg, slave, c.stops[i], c.rusageIval, c.log)
		c.workers = append(c.workers, w)

		i, w := i, w
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if len(cpuSets) > 0 {
				set := cpuSets[i%len(cpuSets)]
				if err := unix.SchedSetaffinity(0, &set); err != nil && c.log != nil {
					c.log.Warning().Int(rushitlog.FieldThreadID, i).Err(err).Log("pin cpu failed")
				}
			}

			if err := w.Run(c.barrier); err != nil {
				c.recordErr(fmt.Errorf("thread %d: %w", i, err))
			}
		}()
	}
}

func (c *Coordinator) recordErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.runErrs = append(c.runErrs, err)
}

func (c *Coordinator) firstRunErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if len(c.runErrs) == 0 {
		return nil
	}
	return c.runErrs[0]
}

// SampleLists exposes each worker's per-thread sample list, for callers
// that need the raw samples after Run returns (the -A/--all-samples CSV
// dump in cmd/rushit).
func (c *Coordinator) SampleLists() []*sample.List {
	lists := make([]*sample.List, 0, len(c.workers))
	for _, w := range c.workers {
		lists = append(lists, w.Samples())
	}
	return lists
}

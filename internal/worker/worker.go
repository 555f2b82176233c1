// Package worker implements the per-thread worker loop (component C8):
// run_client and run_server, sharing one epoll-driven event loop and a
// per-workload process_events policy, per spec section 4.8.
package worker

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rushit-tool/rushit/internal/interval"
	"github.com/rushit-tool/rushit/internal/ioready"
	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/rushiterr"
	"github.com/rushit-tool/rushit/internal/rushitlog"
	"github.com/rushit-tool/rushit/internal/sample"
	"github.com/rushit-tool/rushit/internal/script"
)

// Mode selects the process_events policy. Stream is the spec's named
// workload; RR (request/response, with per-transaction latency sampling)
// is the SPEC_FULL supplemented addition.
type Mode int

const (
	ModeStream Mode = iota
	ModeRR
)

// Barrier is the rendezvous point every worker (and the coordinator)
// meets at before data flows (spec section 4.8 step 5, "rendezvous on the
// shared barrier").
type Barrier interface {
	Arrive()
}

// Config is everything a worker needs to run one thread's share of the
// test, handed down from the coordinator (component C9).
type Config struct {
	Ops      ioready.Ops
	IsClient bool
	Mode     Mode

	ThreadIndex int
	NumThreads  int
	NumFlows    int // total across all threads; client only

	RemoteAddr unix.Sockaddr // client: server to connect to; server: local bind addr
	LocalAddr  unix.Sockaddr // client-only source address; nil if unset

	BufferSize   int
	RequestSize  int
	ResponseSize int
	Interval     time.Duration
	EdgeTrigger  bool
	Nonblocking  bool
	MaxEvents    int
	ListenBacklog int

	// Delay paces writes in both the stream and the RR workload; zero
	// disables pacing.
	Delay time.Duration
}

// flowsInThread implements spec section 4.8's distribution formula:
// "flows_in_thread = total/threads + (index<remainder?1:0)".
func flowsInThread(total, threads, index int) int {
	base := total / threads
	remainder := total % threads
	if index < remainder {
		base++
	}
	return base
}

// Worker runs one OS thread's share of a test: its own multiplexer, flow
// registry, sample list, and script slave. No worker touches another's
// state (spec section 5).
type Worker struct {
	cfg   Config
	slave *script.Slave
	log   *rushitlog.Logger

	poller *ioready.Poller
	reg    *ioready.Registry
	stop   *ioready.StopSignal

	samples    *sample.List
	rusageIval *rusage.Interval

	buf          []byte
	stopped      bool
	nextFlowID   int
}

// New constructs a worker. stop is the coordinator-assigned stop-signal
// handle for this thread; rusageIval is the process-wide shared interval
// struct every thread's first sample races to baseline.
func New(cfg Config, slave *script.Slave, stop *ioready.StopSignal, rusageIval *rusage.Interval, log *rushitlog.Logger) *Worker {
	return &Worker{
		cfg:        cfg,
		slave:      slave,
		stop:       stop,
		rusageIval: rusageIval,
		log:        log,
		samples:    &sample.List{},
	}
}

// Samples returns the thread's sample list, handed off to the coordinator
// at join time (spec section 5: "sample lists ... handed off to the
// coordinator at join time").
func (w *Worker) Samples() *sample.List { return w.samples }

func (w *Worker) side() script.HookSide {
	if w.cfg.IsClient {
		return script.SideClient
	}
	return script.SideServer
}

func (w *Worker) bufferCap() int {
	n := w.cfg.BufferSize
	if w.cfg.RequestSize > n {
		n = w.cfg.RequestSize
	}
	if w.cfg.ResponseSize > n {
		n = w.cfg.ResponseSize
	}
	return n
}

func (w *Worker) setUp() error {
	poller, err := ioready.NewPoller(w.cfg.MaxEvents)
	if err != nil {
		return rushiterr.WrapSetup("create poller", err)
	}
	w.poller = poller
	w.reg = ioready.NewRegistry(poller, w.cfg.EdgeTrigger)

	if _, err := w.reg.AddLite(w.stop.FD(), ioready.EventReadable, func(ioready.Events) {
		w.stop.Drain()
		w.stopped = true
	}); err != nil {
		return rushiterr.WrapSetup("register stop signal", err)
	}

	n := w.bufferCap()
	w.buf = make([]byte, n)
	if w.writesFirst() {
		if _, err := rand.Read(w.buf); err != nil {
			return rushiterr.WrapSetup("fill write buffer", err)
		}
	}

	if w.cfg.IsClient {
		return w.setUpClientFlows()
	}
	return w.setUpListener()
}

// writesFirst reports whether this side originates data: clients always
// write requests; servers only write in the RR workload (responses).
func (w *Worker) writesFirst() bool {
	return w.cfg.IsClient || w.cfg.Mode == ModeRR
}

func (w *Worker) setUpClientFlows() error {
	count := flowsInThread(w.cfg.NumFlows, w.cfg.NumThreads, w.cfg.ThreadIndex)
	for i := 0; i < count; i++ {
		fd, err := ioready.DoOpen(w.cfg.Ops, true, w.slave.SocketHook(w.side(), script.HookSocket))
		if err != nil {
			return rushiterr.WrapSetup("open client flow", err)
		}
		if w.cfg.LocalAddr != nil && w.cfg.Ops.Bind != nil {
			if err := w.cfg.Ops.Bind(fd, w.cfg.LocalAddr); err != nil {
				return rushiterr.WrapSetup("bind client source address", err)
			}
		}
		if w.cfg.Ops.Connect != nil {
			if err := w.cfg.Ops.Connect(fd, w.cfg.RemoteAddr); err != nil && err != unix.EINPROGRESS {
				return rushiterr.WrapSetup("connect client flow", err)
			}
		}
		w.addFlow(fd)
	}
	return nil
}

func (w *Worker) setUpListener() error {
	fd, err := ioready.DoOpen(w.cfg.Ops, true, w.slave.SocketHook(w.side(), script.HookSocket))
	if err != nil {
		return rushiterr.WrapSetup("open listener", err)
	}
	if w.cfg.Ops.Bind != nil {
		if err := w.cfg.Ops.Bind(fd, w.cfg.RemoteAddr); err != nil {
			return rushiterr.WrapSetup("bind listener", err)
		}
	}
	if w.cfg.Ops.Listen != nil {
		if err := w.cfg.Ops.Listen(fd, w.cfg.ListenBacklog); err != nil {
			return rushiterr.WrapSetup("listen", err)
		}
	}
	if _, err := w.reg.AddLite(fd, ioready.EventReadable, func(ioready.Events) { w.acceptLoop(fd) }); err != nil {
		return rushiterr.WrapSetup("register listener", err)
	}
	return nil
}

func (w *Worker) addFlow(fd int) *ioready.Flow {
	w.nextFlowID++
	flow := ioready.NewFlow(fd, w.nextFlowID, w.cfg.ThreadIndex, w.cfg.Interval)
	if w.cfg.Mode == ModeRR {
		w.armRRPhase(flow)
	}
	mask := ioready.EventReadable | ioready.EventWritable | ioready.EventReadHangup | ioready.EventError
	_, err := w.reg.Add(flow, mask, func(ev ioready.Events) { w.processEvents(flow, ev) })
	if err != nil && w.log != nil {
		w.log.Warning().Err(err).Log("registering flow failed")
	}
	return flow
}

// armRRPhase starts a fresh RR flow in whichever phase opens a
// transaction for this side: clients send the first request, servers
// wait to receive one.
func (w *Worker) armRRPhase(flow *ioready.Flow) {
	if w.cfg.IsClient {
		flow.RRRemainingWrite = w.cfg.RequestSize
		flow.RRRemainingRead = 0
	} else {
		flow.RRRemainingRead = w.cfg.RequestSize
		flow.RRRemainingWrite = 0
	}
}

// acceptLoop implements section 4.8's "accept until it would block (or at
// least once)".
func (w *Worker) acceptLoop(listenFD int) {
	for {
		fd, _, err := w.cfg.Ops.Accept(listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED {
				return
			}
			return
		}
		if _, herr := w.slave.SocketHook(w.side(), script.HookSocket)(fd); herr != nil {
			_ = unix.Close(fd)
			continue
		}
		w.addFlow(fd)
	}
}

// processEvents dispatches to the active workload's process_events policy
// (spec section 4.8): the streaming policy treats every readiness event as
// "more of the same continuous flow," while the RR policy (SPEC_FULL's
// supplemented request/response workload) gates reads and writes by which
// transaction phase the flow is currently in.
func (w *Worker) processEvents(flow *ioready.Flow, events ioready.Events) {
	if events&ioready.EventReadHangup != 0 {
		w.dropFlow(flow)
		return
	}
	if events&ioready.EventError != 0 {
		w.drainErrorQueue(flow)
	}
	if w.cfg.Mode == ModeRR {
		w.processEventsRR(flow, events)
		return
	}
	if events&ioready.EventReadable != 0 {
		if !w.readFlow(flow) {
			return
		}
	}
	if events&ioready.EventWritable != 0 {
		w.writeFlow(flow)
	}
}

func (w *Worker) readFlow(flow *ioready.Flow) bool {
	for {
		n, err := unix.Read(flow.FD, w.buf[:w.cfg.BufferSize])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			w.dropFlow(flow)
			return false
		}
		if n == 0 {
			w.dropFlow(flow)
			return false
		}
		flow.AddBytesRead(int64(n))
		flow.AddTransaction()
		interval.Collect(w.samples, flow, time.Now(), w.rusageIval, nil)
		if _, err := w.slave.Invoke(w.side(), script.HookRecvmsg); err != nil && isFatalHook(err) {
			w.logFatalHook(err)
		}
		if !w.cfg.EdgeTrigger {
			return true
		}
	}
}

func (w *Worker) writeFlow(flow *ioready.Flow) {
	for {
		_, err := unix.Write(flow.FD, w.buf[:w.cfg.BufferSize])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			w.dropFlow(flow)
			return
		}
		if _, err := w.slave.Invoke(w.side(), script.HookSendmsg); err != nil && isFatalHook(err) {
			w.logFatalHook(err)
		}
		if w.cfg.Delay > 0 {
			time.Sleep(w.cfg.Delay)
		}
		if !w.cfg.EdgeTrigger {
			return
		}
	}
}

// processEventsRR is the RR workload's process_events policy: a flow is
// always in exactly one of a read phase or a write phase (armRRPhase picks
// the opening one per side), so a readiness event is only acted on when it
// matches the phase currently in progress.
func (w *Worker) processEventsRR(flow *ioready.Flow, events ioready.Events) {
	if events&ioready.EventReadable != 0 && flow.RRRemainingRead > 0 {
		if !w.readFlowRR(flow) {
			return
		}
	}
	if events&ioready.EventWritable != 0 && flow.RRRemainingWrite > 0 {
		w.writeFlowRR(flow)
	}
}

func (w *Worker) readFlowRR(flow *ioready.Flow) bool {
	for flow.RRRemainingRead > 0 {
		n, err := unix.Read(flow.FD, w.buf[:min(flow.RRRemainingRead, len(w.buf))])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			w.dropFlow(flow)
			return false
		}
		if n == 0 {
			w.dropFlow(flow)
			return false
		}
		flow.AddBytesRead(int64(n))
		flow.RRRemainingRead -= n
		if flow.RRRemainingRead == 0 {
			w.completeReadPhaseRR(flow)
		}
		if !w.cfg.EdgeTrigger {
			return true
		}
	}
	return true
}

// completeReadPhaseRR runs once a read phase's byte count reaches zero: on
// a client that closes out the transaction a request opened (and is where
// the per-transaction latency sample is produced); on a server it instead
// opens the response phase.
func (w *Worker) completeReadPhaseRR(flow *ioready.Flow) {
	now := time.Now()
	if w.cfg.IsClient {
		var latency *time.Duration
		if sent := flow.RequestSentAt(); !sent.IsZero() {
			d := now.Sub(sent)
			latency = &d
		}
		flow.AddTransaction()
		interval.Collect(w.samples, flow, now, w.rusageIval, latency)
		flow.RRRemainingWrite = w.cfg.RequestSize
	} else {
		flow.RRRemainingWrite = w.cfg.ResponseSize
	}
	if _, err := w.slave.Invoke(w.side(), script.HookRecvmsg); err != nil && isFatalHook(err) {
		w.logFatalHook(err)
	}
}

func (w *Worker) writeFlowRR(flow *ioready.Flow) {
	for flow.RRRemainingWrite > 0 {
		n, err := unix.Write(flow.FD, w.buf[:min(flow.RRRemainingWrite, len(w.buf))])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			w.dropFlow(flow)
			return
		}
		flow.RRRemainingWrite -= n
		if flow.RRRemainingWrite == 0 {
			w.completeWritePhaseRR(flow)
		}
		if w.cfg.Delay > 0 {
			time.Sleep(w.cfg.Delay)
		}
		if !w.cfg.EdgeTrigger {
			return
		}
	}
}

// completeWritePhaseRR runs once a write phase's byte count reaches zero:
// on a client that means the request just finished sending, so the
// latency clock starts now; on a server it means the response just went
// out, which closes the transaction server-side.
func (w *Worker) completeWritePhaseRR(flow *ioready.Flow) {
	if _, err := w.slave.Invoke(w.side(), script.HookSendmsg); err != nil && isFatalHook(err) {
		w.logFatalHook(err)
	}
	if w.cfg.IsClient {
		flow.MarkRequestSent(time.Now())
		flow.RRRemainingRead = w.cfg.ResponseSize
	} else {
		flow.AddTransaction()
		flow.RRRemainingRead = w.cfg.RequestSize
	}
}

func (w *Worker) drainErrorQueue(flow *ioready.Flow) {
	buf := make([]byte, 256)
	oob := make([]byte, 256)
	for {
		_, _, _, _, err := unix.Recvmsg(flow.FD, buf, oob, unix.MSG_ERRQUEUE)
		if err != nil {
			break
		}
		if _, herr := w.slave.Invoke(w.side(), script.HookRecverr); herr != nil && isFatalHook(herr) {
			w.logFatalHook(herr)
		}
	}
}

func (w *Worker) dropFlow(flow *ioready.Flow) {
	tok := ioready.Token(flow.FD)
	_ = w.reg.Remove(tok)
	_ = ioready.DoClose(w.cfg.Ops, flow.FD, w.slave.SocketHook(w.side(), script.HookClose))
}

func (w *Worker) logFatalHook(err error) {
	if w.log != nil {
		w.log.Err().Err(err).Log("hook failed")
	}
}

func isFatalHook(err error) bool {
	var hookErr *rushiterr.HookError
	if errors.As(err, &hookErr) {
		return hookErr.Kind.Fatal()
	}
	return true
}

// Run drives the worker through setup, the barrier rendezvous, the
// readiness loop, and teardown — spec section 4.8's run_client/run_server,
// unified since both share every step but flow setup (setUp dispatches on
// cfg.IsClient).
func (w *Worker) Run(barrier Barrier) error {
	if err := w.setUp(); err != nil {
		// Still rendezvous so a setup failure on this thread cannot wedge
		// the coordinator or its siblings forever at the barrier; the
		// error returned here is this thread's equivalent of section
		// 7.1's "fatal errors log and abort" and is surfaced to the
		// coordinator once every thread has joined.
		barrier.Arrive()
		return err
	}
	barrier.Arrive()

	timeout := -1
	if w.cfg.Nonblocking {
		timeout = 10
	}

	for !w.stopped {
		if _, err := w.poller.Wait(timeout); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("worker: readiness wait: %w", err)
		}
	}

	w.tearDown()
	return nil
}

func (w *Worker) tearDown() {
	w.reg.Each(func(tok ioready.Token, flow *ioready.Flow) {
		_ = ioready.DoClose(w.cfg.Ops, flow.FD, w.slave.SocketHook(w.side(), script.HookClose))
	})
	_ = w.poller.Close()
}

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rushit-tool/rushit/internal/ioready"
	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/script"
)

func newTestSlave(t *testing.T, src string) *script.Slave {
	t.Helper()
	eng := script.NewEngine(true, func() {})
	require.NoError(t, eng.RunString("t.js", src))
	slave := script.NewSlave()
	require.NoError(t, eng.PushData(slave))
	return slave
}

func (w *Worker) flowFD(t *testing.T) int {
	t.Helper()
	var fd int
	found := false
	w.reg.Each(func(tok ioready.Token, flow *ioready.Flow) {
		fd = flow.FD
		found = true
	})
	require.True(t, found, "expected exactly one registered flow")
	return fd
}

func TestWorker_ClientReadsAndWritesOverDummyTransport(t *testing.T) {
	ops, peers := ioready.Dummy()
	slave := newTestSlave(t, `run();`)
	stop, err := ioready.NewStopSignal()
	require.NoError(t, err)
	defer stop.Close()

	cfg := Config{
		Ops:         ops,
		IsClient:    true,
		Mode:        ModeStream,
		NumThreads:  1,
		NumFlows:    1,
		BufferSize:  16,
		Interval:    time.Millisecond,
		MaxEvents:   16,
		Nonblocking: true,
	}
	w := New(cfg, slave, stop, &rusage.Interval{}, nil)
	require.NoError(t, w.setUp())
	defer w.poller.Close()

	fd := w.flowFD(t)
	defer unix.Close(fd)
	peerFD, ok := peers.Peer(fd)
	require.True(t, ok)
	defer unix.Close(peerFD)

	// Drive the writable event: the worker should push its filled buffer
	// out to the peer.
	_, err = w.poller.Wait(100)
	require.NoError(t, err)

	out := make([]byte, 16)
	n, err := unix.Read(peerFD, out)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	// Drive the readable event: write from the peer and expect the
	// worker to observe it and record a sample.
	_, err = unix.Write(peerFD, []byte("0123456789abcdef"))
	require.NoError(t, err)
	_, err = w.poller.Wait(100)
	require.NoError(t, err)

	require.Greater(t, w.samples.Len(), 0)
	require.EqualValues(t, 16, w.samples.Slice()[0].BytesRead)
}

func TestWorker_ReadHangupDropsFlow(t *testing.T) {
	ops, peers := ioready.Dummy()
	slave := newTestSlave(t, `run();`)
	stop, err := ioready.NewStopSignal()
	require.NoError(t, err)
	defer stop.Close()

	cfg := Config{
		Ops:         ops,
		IsClient:    true,
		Mode:        ModeStream,
		NumThreads:  1,
		NumFlows:    1,
		BufferSize:  16,
		Interval:    time.Hour,
		MaxEvents:   16,
		Nonblocking: true,
	}
	w := New(cfg, slave, stop, &rusage.Interval{}, nil)
	require.NoError(t, w.setUp())
	defer w.poller.Close()

	fd := w.flowFD(t)
	peerFD, ok := peers.Peer(fd)
	require.True(t, ok)

	require.NoError(t, unix.Close(peerFD))

	for i := 0; i < 4 && w.reg.Len() > 0; i++ {
		_, err = w.poller.Wait(100)
		require.NoError(t, err)
	}
	require.Equal(t, 0, w.reg.Len())
}

// TestWorker_RRModeProducesLatencySample drives one full request/response
// transaction across a client worker and a bare dummy-transport peer
// (standing in for a server): the worker writes a request, the test reads
// it and writes back a response, and the worker is expected to record one
// sample carrying a non-nil Latency once the response is fully read.
func TestWorker_RRModeProducesLatencySample(t *testing.T) {
	ops, peers := ioready.Dummy()
	slave := newTestSlave(t, `run();`)
	stop, err := ioready.NewStopSignal()
	require.NoError(t, err)
	defer stop.Close()

	cfg := Config{
		Ops:          ops,
		IsClient:     true,
		Mode:         ModeRR,
		NumThreads:   1,
		NumFlows:     1,
		BufferSize:   16,
		RequestSize:  8,
		ResponseSize: 8,
		Interval:     time.Millisecond,
		MaxEvents:    16,
		Nonblocking:  true,
	}
	w := New(cfg, slave, stop, &rusage.Interval{}, nil)
	require.NoError(t, w.setUp())
	defer w.poller.Close()

	fd := w.flowFD(t)
	defer unix.Close(fd)
	peerFD, ok := peers.Peer(fd)
	require.True(t, ok)
	defer unix.Close(peerFD)

	// Drive the writable event: the client should send its 8-byte request
	// and then stop writing (it's now waiting on a response).
	_, err = w.poller.Wait(100)
	require.NoError(t, err)

	req := make([]byte, 8)
	n, err := unix.Read(peerFD, req)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	_, err = unix.Write(peerFD, make([]byte, 8))
	require.NoError(t, err)
	_, err = w.poller.Wait(100)
	require.NoError(t, err)

	require.Equal(t, 1, w.samples.Len())
	s := w.samples.Slice()[0]
	require.NotNil(t, s.Latency)
	require.GreaterOrEqual(t, *s.Latency, time.Duration(0))
	require.EqualValues(t, 1, s.Transactions)
}

func TestFlowsInThread_DistributesRemainder(t *testing.T) {
	require.Equal(t, 4, flowsInThread(10, 3, 0))
	require.Equal(t, 3, flowsInThread(10, 3, 1))
	require.Equal(t, 3, flowsInThread(10, 3, 2))
}

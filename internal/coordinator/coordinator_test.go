package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rushit-tool/rushit/internal/ioready"
	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/worker"
)

type fakeControlPlane struct {
	addr      unix.Sockaddr
	waitDelay time.Duration
	incidents int
}

func (f *fakeControlPlane) Addr() unix.Sockaddr { return f.addr }
func (f *fakeControlPlane) WaitUntilDone() {
	if f.waitDelay > 0 {
		time.Sleep(f.waitDelay)
	}
}
func (f *fakeControlPlane) Incidents() int { return f.incidents }

func TestCoordinator_RunCompletesOneClientThreadOverDummyTransport(t *testing.T) {
	ops, _ := ioready.Dummy()

	cfg := Config{
		IsClient:   true,
		Mode:       worker.ModeStream,
		NumThreads: 1,
		NumFlows:   1,
		Ops:        ops,
		BufferSize: 64,
		Interval:   time.Millisecond,
		MaxEvents:  8,
	}
	cp := &fakeControlPlane{waitDelay: 10 * time.Millisecond}

	co := New(cfg, cp, &rusage.Interval{}, nil)

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = co.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator.Run did not return: barrier or join likely deadlocked")
	}
	require.NoError(t, runErr)
}

func TestCoordinator_RunWithZeroThreadsCompletes(t *testing.T) {
	// No test in this package drives a genuine worker setup failure end to
	// end. Here we just confirm a zero-thread run is a no-op that still
	// completes.
	ops, _ := ioready.Dummy()
	cfg := Config{
		IsClient:   true,
		NumThreads: 0,
		NumFlows:   0,
		Ops:        ops,
		BufferSize: 64,
	}
	cp := &fakeControlPlane{}
	co := New(cfg, cp, &rusage.Interval{}, nil)

	result, err := co.Run()
	require.NoError(t, err)
	assert.Zero(t, result.NumSamples)
}

func TestBarrier_ReleasesAllPartiesTogether(t *testing.T) {
	b := NewBarrier(3)
	done := make(chan int, 3)
	for i := 0; i < 2; i++ {
		go func(i int) {
			b.Arrive()
			done <- i
		}(i)
	}

	select {
	case <-done:
		t.Fatal("barrier released before the third party arrived")
	case <-time.After(50 * time.Millisecond):
	}

	b.Arrive()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("barrier did not release remaining parties")
		}
	}
}

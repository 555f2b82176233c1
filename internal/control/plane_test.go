package control

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushit-tool/rushit/internal/rusage"
)

func serverConfig(port int) Config {
	return Config{
		Magic:        42,
		ControlPort:  port,
		DataPort:     port + 1,
		NumFlows:     1,
		NumThreads:   1,
		TestLength:   100 * time.Millisecond,
		BufferSize:   16384,
		RequestSize:  64,
		ResponseSize: 64,
		Interval:     time.Second,
	}
}

func TestPlane_RejectsMismatchedSecretThenAcceptsGoodOne(t *testing.T) {
	cfg := serverConfig(19955)
	rui := &rusage.Interval{}
	plane, err := Start(cfg, rui, nil)
	require.NoError(t, err)

	addr := net.JoinHostPort("", strconv.Itoa(cfg.ControlPort))

	// First connection: wrong secret.
	bad, err := dialRetry(addr, 20, 10*time.Millisecond)
	require.NoError(t, err)
	badFrame := frameFromConfig(cfg)
	badFrame.Magic = 999
	require.NoError(t, writeFrame(bad, badFrame))
	buf := make([]byte, 1)
	_, err = bad.Read(buf)
	assert.Equal(t, io.EOF, err, "server must close the connection on a mismatched secret without an ack")
	_ = bad.Close()

	require.Eventually(t, func() bool { return plane.Incidents() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateWaiting, plane.State())

	// Second connection: correct secret.
	good, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, writeFrame(good, frameFromConfig(cfg)))
	ack, err := readFrame(good)
	require.NoError(t, err)
	assert.Equal(t, cfg.Magic, ack.Magic)

	require.Eventually(t, func() bool { return plane.State() == StateActive }, time.Second, 5*time.Millisecond)

	rui.SetTimeStartOnce(time.Now())
	select {
	case <-doneSignal(plane):
	case <-time.After(2 * time.Second):
		t.Fatal("plane never reached DONE after the test length elapsed")
	}
	_ = good.Close()
}

func dialRetry(addr string, attempts int, wait time.Duration) (net.Conn, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(wait)
	}
	return nil, lastErr
}

func doneSignal(p *Plane) <-chan struct{} {
	return p.doneCh
}

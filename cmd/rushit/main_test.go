package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/rushit-tool/rushit/internal/config"
)

// TestRun_ClientServerOverLoopback drives one real client/server pair over
// TCP on loopback end to end: config parsing, control-plane handshake,
// coordinator/worker lifecycle, and clean shutdown, exercising spec
// section 8 scenario 2's shape (one flow, a short fixed test length) as a
// true integration test rather than a component-level one.
func TestRun_ClientServerOverLoopback(t *testing.T) {
	controlPort := 29866
	dataPort := 29867

	common := []string{
		"--control-port", fmt.Sprint(controlPort),
		"--port", fmt.Sprint(dataPort),
		"--test-length", "1",
		"--buffer-size", "4096",
		"--interval", "0.25",
	}
	serverArgs := common
	clientArgs := append([]string{"--client", "--host", "127.0.0.1"}, common...)

	serverDone := make(chan int, 1)
	go func() {
		serverDone <- run(serverArgs)
	}()

	// Give the server's control-plane listener time to bind before the
	// client dials; internal/control's client side does a single dial
	// attempt with no retry, matching the original's assumption that an
	// operator starts the server first.
	time.Sleep(150 * time.Millisecond)

	clientCode := run(clientArgs)
	assert.Equal(t, 0, clientCode, "client run should complete successfully")

	select {
	case serverCode := <-serverDone:
		assert.Equal(t, 0, serverCode, "server run should complete successfully")
	case <-time.After(5 * time.Second):
		t.Fatal("server run did not complete after the client finished")
	}
}

// TestRun_ClientServerRRModeOverLoopback exercises the request/response
// workload end to end: --request-size/--response-size select RR mode
// (spec section 6), and a successful run's per-transaction latencies
// should survive all the way out through coordinator.Run's aggregated
// Result.
func TestRun_ClientServerRRModeOverLoopback(t *testing.T) {
	controlPort := 29868
	dataPort := 29869

	common := []string{
		"--control-port", fmt.Sprint(controlPort),
		"--port", fmt.Sprint(dataPort),
		"--test-length", "1",
		"--buffer-size", "4096",
		"--interval", "0.1",
		"--request-size", "64",
		"--response-size", "256",
	}
	serverArgs := common
	clientArgs := append([]string{"--client", "--host", "127.0.0.1"}, common...)

	serverDone := make(chan int, 1)
	go func() {
		serverDone <- run(serverArgs)
	}()

	time.Sleep(150 * time.Millisecond)

	clientCode := run(clientArgs)
	assert.Equal(t, 0, clientCode, "client run should complete successfully")

	select {
	case serverCode := <-serverDone:
		assert.Equal(t, 0, serverCode, "server run should complete successfully")
	case <-time.After(5 * time.Second):
		t.Fatal("server run did not complete after the client finished")
	}
}

func TestAddrFamily(t *testing.T) {
	assert.Equal(t, unix.AF_INET, addrFamily(&config.Config{IPv4Only: true}))
	assert.Equal(t, unix.AF_INET6, addrFamily(&config.Config{IPv6Only: true}))
	assert.Equal(t, unix.AF_INET6, addrFamily(&config.Config{}))
}

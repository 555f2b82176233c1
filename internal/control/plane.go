// Package control implements the control plane (component C10, spec
// section 4.10): a small synchronous TCP handshake that exchanges run
// parameters and a shared secret, gates the start of the data plane, and
// detects completion via a test-length deadline armed from the first
// observed data byte, or an early peer hangup.
package control

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/rushitlog"
)

// State is one of the three control-plane states of spec section 4.10:
// "WAITING -> ACTIVE -> DONE. The only backward transition is
// WAITING->WAITING via a rejected handshake."
type State int

const (
	StateWaiting State = iota
	StateActive
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Config gathers the handshake parameters and networking details both
// sides of spec section 4.10 need.
type Config struct {
	IsClient bool

	// Host is the remote host a client dials, or the local host a server
	// binds (empty means "any address" for a server).
	Host        string
	ControlPort int
	DataPort    int

	// Family forces the data-plane address family (spec section 6's -4/-6):
	// unix.AF_INET for IPv4-only, unix.AF_INET6 for IPv6-only. The zero
	// value selects the default dual-stack AF_INET6 behavior.
	Family int

	Magic uint32

	NumFlows     int
	NumThreads   int
	TestLength   time.Duration
	BufferSize   int
	RequestSize  int
	ResponseSize int
	Interval     time.Duration
}

// Plane is one side of the control-plane state machine. It satisfies
// internal/coordinator's ControlPlane interface.
type Plane struct {
	cfg        Config
	rusageIval *rusage.Interval
	log        *rushitlog.Logger
	limiter    *catrate.Limiter

	addr unix.Sockaddr

	mu        sync.Mutex
	state     State
	incidents int

	doneCh   chan struct{}
	doneOnce sync.Once
}

// Start resolves the shared data-plane address, stands up the handshake
// (listening for a server, dialing for a client), and launches the
// background goroutines that run the handshake and the completion
// deadline. It returns once the data-plane address is known; the
// handshake itself continues asynchronously, same as the original's
// control_plane_start/control_plane_wait_until_done split.
func Start(cfg Config, rusageIval *rusage.Interval, log *rushitlog.Logger) (*Plane, error) {
	addr, err := resolveDataAddr(cfg.Host, cfg.DataPort, cfg.Family)
	if err != nil {
		return nil, err
	}

	p := &Plane{
		cfg:        cfg,
		rusageIval: rusageIval,
		log:        log,
		limiter:    catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		addr:       addr,
		doneCh:     make(chan struct{}),
	}

	if cfg.IsClient {
		go p.runClient()
	} else {
		go p.runServer()
	}

	return p, nil
}

// Addr returns the shared data-plane address (spec section 4.9:
// "addressinfo to be shared across workers").
func (p *Plane) Addr() unix.Sockaddr { return p.addr }

// WaitUntilDone blocks until the state machine reaches DONE.
func (p *Plane) WaitUntilDone() { <-p.doneCh }

// Incidents reports the number of rejected handshakes due to a mismatched
// secret (spec section 4.10: "incident counter is reported at end").
func (p *Plane) Incidents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.incidents
}

// State reports the current control-plane state.
func (p *Plane) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Plane) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Plane) recordIncident() {
	p.mu.Lock()
	p.incidents++
	p.mu.Unlock()

	if p.log == nil {
		return
	}
	// Mismatched secrets can arrive in a tight loop from a misconfigured
	// or hostile peer; catrate throttles the resulting log line to at
	// most once a second so the incident counter (not the log) is the
	// authoritative record.
	if _, ok := p.limiter.Allow("mismatched-secret"); ok {
		p.log.Warning().Int(rushitlog.FieldIncidents, p.Incidents()).Log("control plane: rejected handshake with mismatched secret")
	}
}

// runServer implements spec section 4.10 steps 1-2 for the listening
// side: accept connections until one presents the correct secret,
// counting every mismatch as an incident and reaccepting (WAITING stays
// WAITING), then hands off to the shared post-handshake lifecycle.
func (p *Plane) runServer() {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.ControlPort)))
	if err != nil {
		if p.log != nil {
			p.log.Err().Err(err).Log("control plane: listen failed")
		}
		p.transitionDone()
		return
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			_ = ln.Close()
			if p.log != nil {
				p.log.Err().Err(err).Log("control plane: accept failed")
			}
			p.transitionDone()
			return
		}

		frame, err := readFrame(conn)
		if err != nil {
			_ = conn.Close()
			continue
		}
		if frame.Magic != p.cfg.Magic {
			p.recordIncident()
			_ = conn.Close()
			continue
		}

		if err := writeFrame(conn, frameFromConfig(p.cfg)); err != nil {
			_ = conn.Close()
			continue
		}

		_ = ln.Close()
		p.onHandshakeAccepted(conn)
		return
	}
}

// runClient implements spec section 4.10 steps 1-2 for the dialing side:
// a single dial/send/ack round-trip, fatal on failure (the client is the
// side that knows the secret it intends to use, so a rejection here is
// a misconfiguration, not a transient condition to retry).
func (p *Plane) runClient() {
	conn, err := net.Dial("tcp", net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.ControlPort)))
	if err != nil {
		if p.log != nil {
			p.log.Err().Err(err).Log("control plane: dial failed")
		}
		p.transitionDone()
		return
	}

	if err := writeFrame(conn, frameFromConfig(p.cfg)); err != nil {
		_ = conn.Close()
		if p.log != nil {
			p.log.Err().Err(err).Log("control plane: send handshake failed")
		}
		p.transitionDone()
		return
	}

	if _, err := readFrame(conn); err != nil {
		_ = conn.Close()
		if p.log != nil {
			p.log.Err().Err(err).Log("control plane: handshake rejected")
		}
		p.transitionDone()
		return
	}

	p.onHandshakeAccepted(conn)
}

// onHandshakeAccepted implements spec section 4.10 steps 3-4: transition
// to ACTIVE, watch the connection for an early peer hangup, and arm the
// test-length deadline from the first observed data byte.
func (p *Plane) onHandshakeAccepted(conn net.Conn) {
	p.setState(StateActive)
	go p.watchHangup(conn)
	go p.armDeadline(conn)
}

// watchHangup blocks on conn until the peer closes it or an I/O error
// occurs, then transitions straight to DONE regardless of the deadline —
// spec section 4.10: "on deadline or on peer hangup the control plane
// transitions to DONE."
func (p *Plane) watchHangup(conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			p.transitionDone()
			if !errors.Is(err, io.EOF) && p.log != nil {
				p.log.Warning().Err(err).Log("control plane: connection error")
			}
			return
		}
	}
}

const deadlinePollInterval = 10 * time.Millisecond

// armDeadline waits for the shared rusage.Interval to observe the run's
// first data byte, then sleeps the remaining test length before
// transitioning to DONE, per spec section 4.10 step 3. If the connection
// hangs up first, watchHangup's transitionDone wins (transitionDone is
// idempotent) and this goroutine exits on the next poll.
func (p *Plane) armDeadline(conn net.Conn) {
	ticker := time.NewTicker(deadlinePollInterval)
	defer ticker.Stop()

	var start time.Time
	for start.IsZero() {
		select {
		case <-p.doneCh:
			return
		case <-ticker.C:
			if p.rusageIval != nil {
				start = p.rusageIval.TimeStart()
			}
		}
	}

	deadline := start.Add(p.cfg.TestLength)
	remaining := time.Until(deadline)
	if remaining > 0 {
		select {
		case <-p.doneCh:
			return
		case <-time.After(remaining):
		}
	}
	p.transitionDone()
	_ = conn.Close()
}

func (p *Plane) transitionDone() {
	p.doneOnce.Do(func() {
		p.setState(StateDone)
		close(p.doneCh)
	})
}

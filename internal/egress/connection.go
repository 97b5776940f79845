// Package egress implements the outbound peer-transport layer of
// SPEC_FULL.md §4.G: connection lifecycle, per-peer circuit breaking,
// framed sends, health scoring and heartbeats.
package egress

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// MaxFrameSize bounds both the sender's outbound frame and the reader's
// accepted frame, per spec.md §4.G "framed send (length-prefixed, max
// 10MiB)".
const MaxFrameSize = 10 * 1024 * 1024

const lengthPrefixSize = 4

// latencyEWMAAlpha and errorRateEWMAAlpha are spec.md §4.G's smoothing
// constants for the exponentially-weighted moving averages feeding the
// health score.
const (
	latencyEWMAAlpha   = 0.1
	errorRateEWMAAlpha = 0.1
)

// healthFloor is the minimum acceptable health score; connections below
// it are reported unhealthy by Healthy(), and heartbeatLoop logs them.
// Such connections are not closed or replaced automatically.
const healthFloor = 0.2

// ErrFrameTooLarge is returned by Send and readFrame when a frame
// exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("egress: frame exceeds %d bytes", MaxFrameSize)

// ErrCircuitOpen is returned by Send when the peer's circuit breaker is
// open and the cooldown has not yet elapsed.
var ErrCircuitOpen = fmt.Errorf("egress: circuit open")

// Connection wraps one outbound net.Conn to a mix peer, tracking the
// health and circuit-breaker state spec.md §4.G requires before a
// send is attempted.
type Connection struct {
	peerID string
	addr   string

	mu      sync.Mutex
	conn    net.Conn
	breaker *circuitBreaker

	firstSeen     time.Time
	lastActivity  atomic.Int64 // unix nanos
	lastHeartbeat atomic.Int64 // unix nanos

	latencyEWMA float64 // seconds
	errorRate   float64 // [0,1]

	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
	msgsOut  atomic.Uint64
	msgsIn   atomic.Uint64

	log *logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(peerID, addr string, conn net.Conn, log *logging.Logger) *Connection {
	c := &Connection{
		peerID:    peerID,
		addr:      addr,
		conn:      conn,
		breaker:   newCircuitBreaker(DefaultFailureThreshold, DefaultOpenTimeout),
		firstSeen: time.Now(),
		log:       log,
		closed:    make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// send writes one length-prefixed frame and blocks for nothing else;
// the caller supplies a net deadline via the passed context-free
// timeout since the teacher's connector is deadline-based, not
// context-based, for I/O.
func (c *Connection) send(payload []byte, timeout time.Duration) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	now := time.Now()
	if !c.breaker.allow(now) {
		return ErrCircuitOpen
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.breaker.onFailure(now)
		return fmt.Errorf("egress: connection to %s not established", c.peerID)
	}

	start := time.Now()
	_ = conn.SetWriteDeadline(start.Add(timeout))

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := conn.Write(header[:]); err != nil {
		c.recordFailure(start)
		return fmt.Errorf("egress: write header to %s: %w", c.peerID, err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			c.recordFailure(start)
			return fmt.Errorf("egress: write payload to %s: %w", c.peerID, err)
		}
	}

	c.recordSuccess(start, len(payload)+lengthPrefixSize)
	return nil
}

// readFrame reads one length-prefixed frame, enforcing the same
// MaxFrameSize bound the sender enforces (spec.md §4.G: bound
// "enforced both sides").
func readFrame(r io.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (c *Connection) recordSuccess(start time.Time, n int) {
	latency := time.Since(start).Seconds()
	c.mu.Lock()
	c.latencyEWMA = ewma(c.latencyEWMA, latency, latencyEWMAAlpha)
	c.errorRate = ewma(c.errorRate, 0, errorRateEWMAAlpha)
	c.mu.Unlock()

	c.bytesOut.Add(uint64(n))
	c.msgsOut.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	c.breaker.onSuccess(time.Now())
}

func (c *Connection) recordFailure(start time.Time) {
	latency := time.Since(start).Seconds()
	c.mu.Lock()
	c.latencyEWMA = ewma(c.latencyEWMA, latency, latencyEWMAAlpha)
	c.errorRate = ewma(c.errorRate, 1, errorRateEWMAAlpha)
	c.mu.Unlock()

	c.breaker.onFailure(time.Now())
	if c.log != nil {
		c.log.Warningf("send to %s (%s) failed, circuit now %s", c.peerID, c.addr, c.breaker.currentState())
	}
}

func ewma(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// HealthScore implements spec.md §4.G's three-factor weighted product:
// score = (1 - errorRate) * uptimeFraction * (1 / (1 + latencyEWMA)).
// uptimeFraction is the fraction of the connection's observed lifetime
// (since firstSeen) that its circuit breaker has spent Closed, i.e. not
// counting any Open/HalfOpen downtime. It is in [0, 1]; 1 is a fresh,
// error-free, zero-latency, never-tripped connection.
func (c *Connection) HealthScore() float64 {
	now := time.Now()
	c.mu.Lock()
	errRate, latency := c.errorRate, c.latencyEWMA
	c.mu.Unlock()

	uptime := 1.0
	if elapsed := now.Sub(c.firstSeen).Seconds(); elapsed > 0 {
		uptime = 1 - c.breaker.downtime(now).Seconds()/elapsed
		if uptime < 0 {
			uptime = 0
		}
	}

	return (1 - errRate) * uptime / (1 + latency)
}

// Healthy reports whether the connection's score is above healthFloor
// and it has observed activity within the last unhealthyAfter window.
func (c *Connection) Healthy(now time.Time, unhealthyAfter time.Duration) bool {
	if c.HealthScore() < healthFloor {
		return false
	}
	last := time.Unix(0, c.lastActivity.Load())
	return now.Sub(last) < unhealthyAfter
}

// State exposes the circuit breaker's current state for monitoring.
func (c *Connection) State() CircuitState { return c.breaker.currentState() }

// Stats is a snapshot of a Connection's counters, used by Egress.Stats
// and tests.
type Stats struct {
	PeerID      string
	Addr        string
	BytesOut    uint64
	BytesIn     uint64
	MsgsOut     uint64
	MsgsIn      uint64
	LatencyEWMA float64
	ErrorRate   float64
	Health      float64
	Circuit     CircuitState
}

func (c *Connection) snapshot() Stats {
	c.mu.Lock()
	latency, errRate := c.latencyEWMA, c.errorRate
	c.mu.Unlock()
	return Stats{
		PeerID:      c.peerID,
		Addr:        c.addr,
		BytesOut:    c.bytesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		MsgsOut:     c.msgsOut.Load(),
		MsgsIn:      c.msgsIn.Load(),
		LatencyEWMA: latency,
		ErrorRate:   errRate,
		Health:      c.HealthScore(),
		Circuit:     c.breaker.currentState(),
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

package egress

import (
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// DefaultRetryAttempts, DefaultDialTimeout, DefaultHeartbeatInterval and
// DefaultUnhealthyAfter are spec.md §4.G/Module K's stated defaults:
// bounded reconnect attempts (3), a 30s heartbeat interval and a 120s
// unhealthy threshold.
const (
	DefaultRetryAttempts     = 3
	DefaultDialTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultUnhealthyAfter    = 120 * time.Second
)

// Dialer abstracts connection establishment so tests can substitute an
// in-memory transport without a real listening socket.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type netDialer struct{ timeout time.Duration }

func (d netDialer) Dial(network, addr string) (net.Conn, error) {
	return net.DialTimeout(network, addr, d.timeout)
}

// Config configures an Egress transport.
type Config struct {
	DialTimeout       time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	UnhealthyAfter    time.Duration
	CircuitThreshold  int
	CircuitTimeout    time.Duration
	Dialer            Dialer
	Log               *logging.Logger
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = DefaultUnhealthyAfter
	}
	if c.Dialer == nil {
		c.Dialer = netDialer{timeout: c.DialTimeout}
	}
}

// Egress is the outbound transport collaborator of SPEC_FULL.md §4.G: it
// owns one Connection per peer, reconnecting and circuit-breaking as
// needed, and runs Module K's heartbeat loop over all live connections.
type Egress struct {
	cfg Config

	mu    sync.RWMutex
	conns map[string]*Connection

	haltOnce sync.Once
	halted   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Egress transport. cfg.Log may be nil.
func New(cfg Config) *Egress {
	cfg.setDefaults()
	e := &Egress{
		cfg:    cfg,
		conns:  make(map[string]*Connection),
		halted: make(chan struct{}),
	}
	return e
}

// Connect establishes (or reuses) a connection to peerID at addr, with
// up to cfg.RetryAttempts dial attempts separated by cfg.RetryDelay,
// matching the teacher's connector reconnect-with-backoff behavior.
func (e *Egress) Connect(peerID, addr string) (*Connection, error) {
	e.mu.RLock()
	if c, ok := e.conns[peerID]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	var lastErr error
	var conn net.Conn
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		var err error
		conn, err = e.cfg.Dialer.Dial("tcp", addr)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if attempt < e.cfg.RetryAttempts-1 {
			time.Sleep(e.cfg.RetryDelay)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("egress: dial %s (%s) after %d attempts: %w", peerID, addr, e.cfg.RetryAttempts, lastErr)
	}

	c := newConnection(peerID, addr, conn, e.cfg.Log)
	c.breaker = newCircuitBreaker(e.cfg.CircuitThreshold, e.cfg.CircuitTimeout)

	e.mu.Lock()
	if existing, ok := e.conns[peerID]; ok {
		e.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	e.conns[peerID] = c
	e.mu.Unlock()

	e.wg.Add(1)
	go e.heartbeatLoop(c)

	return c, nil
}

// Send frames and writes payload to peerID, dialing on demand if no
// connection yet exists. It returns ErrCircuitOpen without attempting
// I/O when the peer's breaker is tripped.
func (e *Egress) Send(peerID, addr string, payload []byte) error {
	c, err := e.Connect(peerID, addr)
	if err != nil {
		return err
	}
	return c.send(payload, e.cfg.DialTimeout)
}

// heartbeatLoop implements SPEC_FULL.md Module K: every
// cfg.HeartbeatInterval, send a zero-length frame; a connection that
// hasn't seen activity within cfg.UnhealthyAfter is logged unhealthy.
// Module K assigns the heartbeat to Component G, so it runs here, one
// loop per connection.
func (e *Egress) heartbeatLoop(c *Connection) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.halted:
			return
		case <-c.closed:
			return
		case now := <-ticker.C:
			if err := c.send(nil, e.cfg.DialTimeout); err != nil && e.cfg.Log != nil {
				e.cfg.Log.Warningf("heartbeat to %s failed: %v", c.peerID, err)
			}
			c.lastHeartbeat.Store(now.UnixNano())
			if !c.Healthy(now, e.cfg.UnhealthyAfter) && e.cfg.Log != nil {
				e.cfg.Log.Warningf("peer %s (%s) unhealthy: score=%.3f", c.peerID, c.addr, c.HealthScore())
			}
		}
	}
}

// Stats returns a snapshot of every live connection, keyed by peer ID.
func (e *Egress) Stats() map[string]Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Stats, len(e.conns))
	for id, c := range e.conns {
		out[id] = c.snapshot()
	}
	return out
}

// Disconnect closes and forgets the connection to peerID, if any.
func (e *Egress) Disconnect(peerID string) {
	e.mu.Lock()
	c, ok := e.conns[peerID]
	if ok {
		delete(e.conns, peerID)
	}
	e.mu.Unlock()
	if ok {
		c.close()
	}
}

// Halt stops all heartbeat loops and closes every connection, mirroring
// the teacher's haltOnce-guarded shutdown idiom.
func (e *Egress) Halt() {
	e.haltOnce.Do(func() {
		close(e.halted)
		e.mu.Lock()
		conns := make([]*Connection, 0, len(e.conns))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
		e.conns = make(map[string]*Connection)
		e.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
		e.wg.Wait()
	})
}

// Package cover implements SPEC_FULL.md Module J: a minimal cover-traffic
// scheduler. spec.md neither requires nor excludes self-generated loop
// traffic; this package continues the `decoy` package pattern seen in
// the Katzenpost-family server snippets, trimmed to a single wake/send
// loop with no SURB bookkeeping (spec.md has no SURB-reply concept).
//
// Disabled by default: the scheduler only starts sending once Enable is
// called, mirroring `Debug.DisableCoverTraffic = true` as the config
// package's default.
package cover

import (
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/vx0net/mixnode/internal/egress"
	"github.com/vx0net/mixnode/internal/registry"
	"github.com/vx0net/mixnode/internal/sphinx"
)

// Sender is the subset of *egress.Egress the scheduler depends on.
type Sender interface {
	Send(peerID, addr string, payload []byte) error
}

var _ Sender = (*egress.Egress)(nil)

// AddressResolver maps a registry.NodeID to a dialable address.
type AddressResolver func(id registry.NodeID) (string, bool)

// Scheduler emits synthetic Sphinx-sized packets toward random active
// peers at a Poisson rate (lambda in packets/second), matching the
// decoy worker's `rand.Exp(lambda)` wake scheduling.
type Scheduler struct {
	lambda   float64
	registry *registry.Registry
	resolve  AddressResolver
	sender   Sender
	log      *logging.Logger

	rng   *mrand.Rand
	rngMu sync.Mutex

	enabled atomic.Bool
	wg      sync.WaitGroup
	halted  chan struct{}
}

// New constructs a disabled Scheduler. Call Enable to start sending.
func New(lambda float64, reg *registry.Registry, resolve AddressResolver, sender Sender, log *logging.Logger) *Scheduler {
	s := &Scheduler{
		lambda:   lambda,
		registry: reg,
		resolve:  resolve,
		sender:   sender,
		log:      log,
		rng:      mrand.New(mrand.NewSource(time.Now().UnixNano())),
		halted:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Enable turns cover-traffic generation on.
func (s *Scheduler) Enable() { s.enabled.Store(true) }

// Disable turns cover-traffic generation off without stopping the
// worker goroutine (it keeps idling on its wake timer).
func (s *Scheduler) Disable() { s.enabled.Store(false) }

func (s *Scheduler) worker() {
	defer s.wg.Done()

	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-s.halted:
			return
		case <-timer.C:
		}

		if s.enabled.Load() {
			s.sendOne()
		}
		timer.Reset(s.nextWait())
	}
}

// nextWait draws an exponentially distributed inter-send interval with
// rate s.lambda packets/second, the same distribution the decoy package
// grounds its `LambdaM` wake scheduling on.
func (s *Scheduler) nextWait() time.Duration {
	if s.lambda <= 0 {
		return time.Hour
	}
	s.rngMu.Lock()
	draw := s.rng.ExpFloat64()
	s.rngMu.Unlock()
	seconds := draw / s.lambda
	return time.Duration(seconds * float64(time.Second))
}

func (s *Scheduler) sendOne() {
	candidates := s.registry.Active(time.Now())
	if len(candidates) == 0 {
		return
	}
	s.rngMu.Lock()
	idx := s.rng.Intn(len(candidates))
	s.rngMu.Unlock()
	target := candidates[idx]

	addr, ok := s.resolve(target.ID)
	if !ok {
		return
	}

	packet := make([]byte, sphinx.PacketSize)
	packet[0] = sphinx.Version

	peerID := string(target.ID[:8])
	if err := s.sender.Send(peerID, addr, packet); err != nil && s.log != nil {
		s.log.Debugf("cover: send to %x failed: %v", target.ID, err)
	}
}

// Halt stops the scheduler's worker goroutine.
func (s *Scheduler) Halt() {
	close(s.halted)
	s.wg.Wait()
}

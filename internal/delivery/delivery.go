// Package delivery implements the out-of-scope delivery collaborator of
// spec.md §4.F: it receives the plaintext recovered from a Deliver
// routing command and hands it to a per-recipient spool.
//
// This is a supplemented module (SPEC_FULL.md's Deliver-branch home):
// spec.md leaves "deliver its plaintext payload" to an external
// collaborator. The recipient encoding (first RecipientIDSize bytes of
// the plaintext name the recipient, the remainder is the message body)
// is this package's own decision, recorded in DESIGN.md, modeled after
// the teacher's onToUser recipient-prefixed message block.
package delivery

import (
	"sync"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/vx0net/mixnode/internal/metrics"
)

// RecipientIDSize is the width of the recipient tag prefixing every
// Deliver-branch plaintext.
const RecipientIDSize = 32

// Spool is the minimal per-recipient message store this package
// depends on, satisfied by spool.Spool.
type Spool interface {
	StoreMessage(recipient, msg []byte) error
}

// UserDB is the minimal recipient-validity check this package depends
// on, satisfied by userdb.UserDB.
type UserDB interface {
	Exists(recipient []byte) bool
}

// Provider is the fan-out delivery worker pool, grounded on the
// teacher's provider.go channels.InfiniteChannel-backed worker. Unlike
// the ingress dispatch path, this stage is not required to be bounded:
// it is the terminal sink for already-admitted traffic, so unconstrained
// buffering (the teacher's original pattern) is kept rather than
// replaced.
type Provider struct {
	wg sync.WaitGroup

	ch     *channels.InfiniteChannel
	spool  Spool
	userDB UserDB
	sink   metrics.Sink
	log    *logging.Logger

	haltCh chan struct{}
}

// New constructs a Provider and starts its worker goroutine. sink may
// be nil.
func New(spool Spool, userDB UserDB, sink metrics.Sink, log *logging.Logger) *Provider {
	p := &Provider{
		ch:     channels.NewInfiniteChannel(),
		spool:  spool,
		userDB: userDB,
		sink:   sink,
		log:    log,
		haltCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// Deliver implements ingress.Deliverer: enqueue one recovered plaintext
// for spool storage.
func (p *Provider) Deliver(plaintext []byte) {
	p.ch.In() <- plaintext
}

func (p *Provider) worker() {
	defer p.wg.Done()
	out := p.ch.Out()
	for {
		select {
		case <-p.haltCh:
			return
		case e := <-out:
			plaintext, ok := e.([]byte)
			if !ok {
				continue
			}
			p.store(plaintext)
		}
	}
}

func (p *Provider) store(plaintext []byte) {
	if len(plaintext) < RecipientIDSize {
		p.drop("truncated_plaintext")
		return
	}
	recipient := plaintext[:RecipientIDSize]
	body := plaintext[RecipientIDSize:]

	if !p.userDB.Exists(recipient) {
		p.drop("unknown_recipient")
		return
	}

	if err := p.spool.StoreMessage(recipient, body); err != nil {
		if p.log != nil {
			p.log.Warningf("failed to store message for recipient: %v", err)
		}
		p.drop("spool_store_failed")
		return
	}
}

func (p *Provider) drop(reason string) {
	if p.sink != nil {
		p.sink.RecordPacketDropped(reason)
	}
}

// Halt stops the worker goroutine and closes the fan-out channel.
func (p *Provider) Halt() {
	close(p.haltCh)
	p.wg.Wait()
	p.ch.Close()
}

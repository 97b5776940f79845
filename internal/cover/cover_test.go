package cover

import (
	mrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vx0net/mixnode/internal/registry"
)

type recordingSender struct {
	mu    sync.Mutex
	sends int
}

func (r *recordingSender) Send(peerID, addr string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

func buildActiveRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(time.Hour)
	var id registry.NodeID
	id[0] = 7
	reg.Apply(registry.Event{Kind: registry.NodeAdded, Descriptor: registry.Descriptor{
		ID: id, StakeWeight: 1, Region: registry.RegionEurope, LastSeen: time.Now(),
	}})
	return reg
}

func TestSchedulerDisabledByDefaultSendsNothing(t *testing.T) {
	require := require.New(t)
	reg := buildActiveRegistry(t)
	sender := &recordingSender{}
	s := New(1000, reg, func(registry.NodeID) (string, bool) { return "127.0.0.1:1", true }, sender, nil)
	defer s.Halt()

	time.Sleep(50 * time.Millisecond)
	require.Equal(0, sender.count())
}

func TestSchedulerSendsWhenEnabled(t *testing.T) {
	require := require.New(t)
	reg := buildActiveRegistry(t)
	sender := &recordingSender{}
	s := New(2000, reg, func(registry.NodeID) (string, bool) { return "127.0.0.1:1", true }, sender, nil)
	defer s.Halt()

	s.Enable()

	require.Eventually(func() bool {
		return sender.count() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerSkipsWhenNoCandidates(t *testing.T) {
	require := require.New(t)
	reg := registry.New(time.Hour)
	sender := &recordingSender{}
	s := New(5000, reg, func(registry.NodeID) (string, bool) { return "127.0.0.1:1", true }, sender, nil)
	defer s.Halt()
	s.Enable()

	time.Sleep(30 * time.Millisecond)
	require.Equal(0, sender.count())
}

func TestNextWaitZeroLambdaIsLong(t *testing.T) {
	require := require.New(t)
	s := &Scheduler{lambda: 0, rng: mrand.New(mrand.NewSource(1))}
	require.Equal(time.Hour, s.nextWait())
}

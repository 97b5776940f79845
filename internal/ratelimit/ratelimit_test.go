package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerSourceMonotonicity(t *testing.T) {
	require := require.New(t)
	l := New(Config{
		GlobalCapacity:    1_000_000,
		GlobalRefillRate:  1_000_000,
		PerSourceCapacity: 10,
		PerSourceRefill:   0, // no refill within the test window
	}, nil)

	now := time.Now()
	for i := 0; i < 10; i++ {
		d := l.CheckAt("1.2.3.4", now)
		require.True(d.Allowed, "admission %d should be allowed", i+1)
	}
	d := l.CheckAt("1.2.3.4", now)
	require.False(d.Allowed, "the (n+1)th admission within the window must be denied")
}

func TestBanScenarioS5(t *testing.T) {
	require := require.New(t)
	l := New(Config{
		GlobalCapacity:     1_000_000,
		GlobalRefillRate:   1_000_000,
		PerSourceCapacity:  100,
		PerSourceRefill:    100,
		ViolationWindow:    time.Second,
		ViolationThreshold: 1000,
		BanDuration:        time.Minute,
	}, nil)

	start := time.Now()
	source := "10.0.0.1"

	// Offer 2000 pps for 2s; per-source limit is 100pps so ~1900/s are
	// denied (violations), comfortably exceeding the 1000 threshold by
	// t=2.5s.
	for tick := 0; tick < 2*2000; tick++ {
		offset := time.Duration(tick) * (2 * time.Second / 4000)
		l.CheckAt(source, start.Add(offset))
	}

	d := l.CheckAt(source, start.Add(2500*time.Millisecond))
	require.True(d.Banned(), "source should be banned by t=2.5s")
}

func TestGCRemovesStaleNonBannedRecords(t *testing.T) {
	require := require.New(t)
	l := New(Config{RetentionWindow: time.Minute}, nil)

	now := time.Now()
	for i := 0; i < 5; i++ {
		l.CheckAt(fmt.Sprintf("src-%d", i), now)
	}
	require.Equal(5, l.ActiveSources())

	removed := l.GC(now.Add(2 * time.Minute))
	require.Equal(5, removed)
	require.Equal(0, l.ActiveSources())
}

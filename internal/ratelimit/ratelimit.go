// Package ratelimit implements the superimposed global/per-source token
// bucket admission control of SPEC_FULL.md §4.D, grounded on the
// token-bucket-plus-violation-tracking shape of
// etalazz-vsa/plugin/tfd/saccumulator.go and
// etalazz-vsa/internal/ratelimiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision is the result of an admission Check.
type Decision struct {
	// Allowed is true iff the packet may proceed to the Sphinx processor.
	Allowed bool
	// Reason is set when Allowed is false and the source was not already
	// banned - this is a Denied decision (SPEC_FULL.md §7
	// AdmissionDenied).
	Reason string
	// BannedUntil is non-zero when the source is under an active ban.
	BannedUntil time.Time
}

// Banned reports whether the Decision denied admission because of an
// active ban, as opposed to an ordinary token-bucket denial.
func (d Decision) Banned() bool { return !d.Allowed && !d.BannedUntil.IsZero() }

// Config parameterizes the limiter. Zero-value fields are replaced with
// defaults by New.
type Config struct {
	GlobalCapacity     float64
	GlobalRefillRate   float64 // tokens/sec
	PerSourceCapacity  float64
	PerSourceRefill    float64 // tokens/sec
	ViolationWindow    time.Duration
	ViolationThreshold int
	BanDuration        time.Duration
	RetentionWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalCapacity == 0 {
		c.GlobalCapacity = 100000
	}
	if c.GlobalRefillRate == 0 {
		c.GlobalRefillRate = 100000
	}
	if c.PerSourceCapacity == 0 {
		c.PerSourceCapacity = 100
	}
	if c.PerSourceRefill == 0 {
		c.PerSourceRefill = 100
	}
	if c.ViolationWindow == 0 {
		c.ViolationWindow = time.Second
	}
	if c.ViolationThreshold == 0 {
		c.ViolationThreshold = 1000
	}
	if c.BanDuration == 0 {
		c.BanDuration = 10 * time.Minute
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = 5 * time.Minute
	}
	return c
}

// record is the per-source state of SPEC_FULL.md §3.
type record struct {
	bucket         *tokenBucket
	violationCount int
	firstViolation time.Time
	lastViolation  time.Time
	bannedUntil    time.Time
}

// Limiter is the admission-control component (§4.D / §6 Admission).
type Limiter struct {
	cfg    Config
	global *tokenBucket

	mu      sync.Mutex
	sources map[string]*record

	metrics metricsSet
}

type metricsSet struct {
	admitted  prometheus.Counter
	denied    prometheus.Counter
	banned    prometheus.Counter
	gcRemoved prometheus.Counter
}

// New constructs a Limiter. reg may be nil, in which case metrics are
// created but not registered (useful for unit tests constructing many
// Limiters).
func New(cfg Config, reg prometheus.Registerer) *Limiter {
	cfg = cfg.withDefaults()
	now := time.Now()
	l := &Limiter{
		cfg:     cfg,
		global:  newTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefillRate, now),
		sources: make(map[string]*record),
		metrics: metricsSet{
			admitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mixnode_ratelimit_admitted_total",
				Help: "Packets admitted by the rate limiter.",
			}),
			denied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mixnode_ratelimit_denied_total",
				Help: "Packets denied by the rate limiter (not including bans).",
			}),
			banned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mixnode_ratelimit_banned_total",
				Help: "Packets dropped because the source is currently banned.",
			}),
			gcRemoved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mixnode_ratelimit_gc_removed_total",
				Help: "Per-source records removed by garbage collection.",
			}),
		},
	}
	if reg != nil {
		reg.MustRegister(l.metrics.admitted, l.metrics.denied, l.metrics.banned, l.metrics.gcRemoved)
	}
	return l
}

// Check implements the Admission::check external interface of
// SPEC_FULL.md §6.
func (l *Limiter) Check(source string) Decision {
	return l.CheckAt(source, time.Now())
}

// CheckAt is Check parameterized by an explicit clock, for deterministic
// tests of SPEC_FULL.md §8 scenario S5.
func (l *Limiter) CheckAt(source string, now time.Time) Decision {
	l.mu.Lock()
	rec, ok := l.sources[source]
	if !ok {
		rec = &record{bucket: newTokenBucket(l.cfg.PerSourceCapacity, l.cfg.PerSourceRefill, now)}
		l.sources[source] = rec
	}
	l.mu.Unlock()

	if !rec.bannedUntil.IsZero() && now.Before(rec.bannedUntil) {
		l.metrics.banned.Inc()
		return Decision{Allowed: false, BannedUntil: rec.bannedUntil}
	}

	if !rec.bucket.take(now) {
		l.recordViolation(rec, now)
		l.metrics.denied.Inc()
		d := Decision{Allowed: false, Reason: "per-source rate exceeded"}
		if now.Before(rec.bannedUntil) {
			d.BannedUntil = rec.bannedUntil
		}
		return d
	}

	if !l.global.take(now) {
		l.recordViolation(rec, now)
		l.metrics.denied.Inc()
		d := Decision{Allowed: false, Reason: "global rate exceeded"}
		if now.Before(rec.bannedUntil) {
			d.BannedUntil = rec.bannedUntil
		}
		return d
	}

	l.metrics.admitted.Inc()
	return Decision{Allowed: true}
}

func (l *Limiter) recordViolation(rec *record, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.firstViolation.IsZero() || now.Sub(rec.firstViolation) > l.cfg.ViolationWindow {
		rec.firstViolation = now
		rec.violationCount = 0
	}
	rec.violationCount++
	rec.lastViolation = now

	if rec.violationCount > l.cfg.ViolationThreshold {
		rec.bannedUntil = now.Add(l.cfg.BanDuration)
	}
}

// GC implements the opportunistic garbage collection of SPEC_FULL.md §4.D:
// records with no recent violations and no active ban are removed.
func (l *Limiter) GC(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for src, rec := range l.sources {
		if !rec.bannedUntil.IsZero() && now.Before(rec.bannedUntil) {
			continue
		}
		if !rec.lastViolation.IsZero() && now.Sub(rec.lastViolation) < l.cfg.RetentionWindow {
			continue
		}
		delete(l.sources, src)
		removed++
	}
	if removed > 0 {
		l.metrics.gcRemoved.Add(float64(removed))
	}
	return removed
}

// Run starts an opportunistic GC loop on the given interval, stopping when
// halt is closed. SPEC_FULL.md §4.D suggests "every 60s".
func (l *Limiter) Run(interval time.Duration, halt <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-halt:
			return
		case now := <-ticker.C:
			l.GC(now)
		}
	}
}

// ActiveSources returns the number of tracked source records, for tests
// and metrics (bounded-memory contract of SPEC_FULL.md §4.D).
func (l *Limiter) ActiveSources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

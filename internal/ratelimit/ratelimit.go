// Package ratelimit provides fixed-window token-bucket admission control
// keyed by (limiter name, subject). State is held in memory and advisory:
// losing it on restart resets the window, it never blocks correctness of the
// execution state machine.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config describes one named limiter.
type Config struct {
	// Points is the admission budget per window.
	Points int
	// Window is the fixed replenishment interval.
	Window time.Duration
	// BlockFor extends the denial period beyond the current window once the
	// budget is exhausted. Zero means deny only until the window resets.
	BlockFor time.Duration
	// FailOpen controls behavior when the limiter backing state is
	// unavailable: true admits, false denies for a full window.
	FailOpen bool
}

// Decision is the outcome of an admission check.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
	Remaining  int
}

type bucket struct {
	consumed     int
	windowEnd    time.Time
	blockedUntil time.Time
}

// Limiter is a single named token bucket family, one bucket per subject.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a limiter with the given config.
func New(cfg Config) *Limiter {
	if cfg.Points <= 0 {
		cfg.Points = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one point for the subject.
func (l *Limiter) Allow(subject string) Decision {
	return l.AllowN(subject, 1)
}

// AllowN consumes n points for the subject, denying if the bucket cannot
// cover them within the current window. The consumed count never exceeds the
// configured budget.
func (l *Limiter) AllowN(subject string, n int) Decision {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[subject]
	if !ok || now.After(b.windowEnd) {
		// A block longer than the window survives the rollover.
		fresh := &bucket{windowEnd: now.Add(l.cfg.Window)}
		if ok {
			fresh.blockedUntil = b.blockedUntil
		}
		b = fresh
		l.buckets[subject] = b
	}

	if b.blockedUntil.After(now) {
		return Decision{RetryAfter: b.blockedUntil.Sub(now)}
	}

	if b.consumed+n > l.cfg.Points {
		retryAfter := b.windowEnd.Sub(now)
		if l.cfg.BlockFor > 0 {
			b.blockedUntil = now.Add(l.cfg.BlockFor)
			retryAfter = l.cfg.BlockFor
		}
		return Decision{RetryAfter: retryAfter}
	}

	b.consumed += n
	return Decision{OK: true, Remaining: l.cfg.Points - b.consumed}
}

// Sweep drops buckets whose window and block period have both passed.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for subject, b := range l.buckets {
		if now.After(b.windowEnd) && now.After(b.blockedUntil) {
			delete(l.buckets, subject)
		}
	}
}

// Registry holds the named limiter instances constructed at startup and
// injected into the dispatcher, worker pools and HTTP middleware.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	failOpen bool
}

// NewRegistry creates an empty registry. failOpen decides the outcome of
// checks against a limiter name that was never registered.
func NewRegistry(failOpen bool) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), failOpen: failOpen}
}

// Register creates and stores a named limiter, replacing any previous one.
func (r *Registry) Register(name string, cfg Config) *Limiter {
	l := New(cfg)
	r.mu.Lock()
	r.limiters[name] = l
	r.mu.Unlock()
	return l
}

// Get returns the named limiter, or nil.
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// Allow runs an admission check against the named limiter. A missing limiter
// follows the registry's fail-open policy so a misconfigured scope cannot
// wedge the pipeline.
func (r *Registry) Allow(name, subject string) (Decision, error) {
	l := r.Get(name)
	if l == nil {
		if r.failOpen {
			return Decision{OK: true}, nil
		}
		return Decision{RetryAfter: time.Minute}, fmt.Errorf("rate limiter %q not registered", name)
	}
	return l.Allow(subject), nil
}

// Sweep prunes stale buckets across all limiters.
func (r *Registry) Sweep() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.limiters {
		l.Sweep()
	}
}

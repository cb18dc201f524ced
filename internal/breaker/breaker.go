// Package breaker implements the Invocation Breaker (§11), adapted from
// the teacher's per-function circuit breaker: the same sliding-window
// Closed/Open/HalfOpen state machine, keyed here by AddressableReference
// instead of function name.
package breaker

import (
	"sync"
	"time"

	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
)

// State is the breaker's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config is the sliding-window policy.
type Config struct {
	ErrorPct       float64
	WindowDuration time.Duration
	OpenDuration   time.Duration
	HalfOpenProbes int
}

func (c Config) withDefaults() Config {
	if c.ErrorPct <= 0 {
		c.ErrorPct = 50
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = 30 * time.Second
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 10 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

const maxWindowEntries = 10000

// single is one AddressableReference's breaker state.
type single struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
}

func (b *single) allow(ref meshrt.AddressableReference, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.halfOpenProbes = 1
			b.halfOpenOK = 0
			metrics.SetBreakerState(ref.String(), int(StateHalfOpen))
			metrics.RecordBreakerTrip(ref.String(), StateHalfOpen.String())
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

func (b *single) recordSuccess(ref meshrt.AddressableReference, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
			metrics.SetBreakerState(ref.String(), int(StateClosed))
			metrics.RecordBreakerTrip(ref.String(), StateClosed.String())
		}
	}
}

func (b *single) recordFailure(ref meshrt.AddressableReference, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(ref, now)
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		metrics.SetBreakerState(ref.String(), int(StateOpen))
		metrics.RecordBreakerTrip(ref.String(), StateOpen.String())
	}
}

func (b *single) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)
	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

func (b *single) checkThreshold(ref meshrt.AddressableReference, now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 {
		return
	}
	errorPct := float64(len(b.failures)) / float64(total) * 100
	if errorPct >= b.cfg.ErrorPct {
		b.state = StateOpen
		b.openedAt = now
		metrics.SetBreakerState(ref.String(), int(StateOpen))
		metrics.RecordBreakerTrip(ref.String(), StateOpen.String())
	}
}

func (b *single) currentState(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
	return b.state
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds per-AddressableReference breakers, implementing the
// invocation.Breaker seam.
type Registry struct {
	cfg   Config
	clock clock.Clock

	mu       sync.RWMutex
	breakers map[meshrt.AddressableReference]*single
}

// NewRegistry returns a Registry applying cfg to every reference it sees.
func NewRegistry(cfg Config, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Default
	}
	return &Registry{cfg: cfg.withDefaults(), clock: clk, breakers: make(map[meshrt.AddressableReference]*single)}
}

func (r *Registry) get(ref meshrt.AddressableReference) *single {
	r.mu.RLock()
	b, ok := r.breakers[ref]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[ref]; ok {
		return b
	}
	b = &single{cfg: r.cfg}
	r.breakers[ref] = b
	return b
}

// Allow implements invocation.Breaker.
func (r *Registry) Allow(ref meshrt.AddressableReference) bool {
	return r.get(ref).allow(ref, r.clock.Now())
}

// Record implements invocation.Breaker: a nil err counts as success.
func (r *Registry) Record(ref meshrt.AddressableReference, err error) {
	b := r.get(ref)
	if err == nil {
		b.recordSuccess(ref, r.clock.Now())
		return
	}
	b.recordFailure(ref, r.clock.Now())
}

// State reports the current state for a reference, for metrics.
func (r *Registry) State(ref meshrt.AddressableReference) State {
	return r.get(ref).currentState(r.clock.Now())
}

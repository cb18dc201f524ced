package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. All tickers
// created from it fire (once) whenever Advance crosses their period;
// it does not attempt to simulate periodic re-firing beyond what tests
// need (repeated Advance calls against the same Ticker will fire it again
// once the next period elapses).
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and fires any ticker whose period
// has elapsed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []*fakeTicker
	for _, t := range f.tickers {
		if !t.stopped && !now.Before(t.next) {
			due = append(due, t)
			t.next = now.Add(t.period)
			if t.oneShot {
				t.stopped = true
			}
		}
	}
	f.mu.Unlock()

	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1), period: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	t := &fakeTicker{ch: ch, period: d, next: f.now.Add(d), oneShot: true}
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return ch
}

type fakeTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
	oneShot bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }

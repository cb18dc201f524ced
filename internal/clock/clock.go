// Package clock provides the monotonic time source injected throughout the
// runtime (§6 configuration: clock), so that tests can control tick
// cadence, lease expiry, and idle-timeout sweeps deterministically.
package clock

import "time"

// Clock abstracts time.Now and time.Sleep-equivalents so production code
// and tests share one seam.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
}

// Ticker mirrors the subset of *time.Ticker the runtime needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the production Clock backed by the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Default is the process-wide system clock, suitable as the zero-config
// default everywhere a Clock is required.
var Default Clock = System{}

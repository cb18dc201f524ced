// Package ticker implements the Ticker (§4.9): the single cooperative
// scheduler driving the composite tick at a fixed rate.
package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/logging"
)

// TickFunc is the composite tick (§4.10): Connection -> NodeLeaser ->
// MessageHandler -> ExecutionSystem, in that fixed order. A non-nil
// return is the unhandled-exception escape the orchestrator inspects.
type TickFunc func(ctx context.Context) error

// FailureHandler is invoked with whatever error escapes a tick. The
// Orchestrator is the only intended subscriber.
type FailureHandler func(error)

// Config controls the tick rate.
type Config struct {
	TargetTickRate time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetTickRate <= 0 {
		c.TargetTickRate = 200 * time.Millisecond
	}
	return c
}

// Ticker drives tickFn on a fixed-rate loop. Because the loop calls tickFn
// synchronously and a time.Ticker channel holds at most one pending tick,
// a slow tick never stacks a second one behind it (§4.9: "at most one
// tick runs at a time"); the next iteration simply begins as soon as the
// current one returns.
type Ticker struct {
	cfg     Config
	clock   clock.Clock
	tickFn  TickFunc
	onFail  FailureHandler

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New constructs a Ticker. onFail may be nil, in which case tick errors
// are only logged.
func New(cfg Config, clk clock.Clock, tickFn TickFunc, onFail FailureHandler) *Ticker {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Default
	}
	return &Ticker{cfg: cfg, clock: clk, tickFn: tickFn, onFail: onFail}
}

// Start launches the tick loop. Calling Start twice without an
// intervening Stop is a no-op.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	ticker := t.clock.NewTicker(t.cfg.TargetTickRate)
	go t.loop(ticker, t.stopCh, t.done)
}

// Stop halts the loop and waits for the in-flight tick, if any, to
// finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stopCh, done := t.stopCh, t.done
	t.mu.Unlock()

	close(stopCh)
	<-done
}

func (t *Ticker) loop(ticker clock.Ticker, stopCh, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			t.runTick()
		}
	}
}

func (t *Ticker) runTick() {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("tick panicked", "panic", r)
			if t.onFail != nil {
				t.onFail(fmt.Errorf("tick panic: %v", r))
			}
		}
	}()
	if err := t.tickFn(context.Background()); err != nil {
		logging.Op().Warn("tick returned error", "error", err)
		if t.onFail != nil {
			t.onFail(err)
		}
	}
}

package activation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
)

// Config configures the Execution System's worker pool and sweep
// thresholds (§5: "worker pool configurable at construction, modeled on
// the teacher's static/adaptive worker pool" — this is the static form).
type Config struct {
	Workers      int
	IdleTimeout  time.Duration
	StopDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.StopDeadline <= 0 {
		c.StopDeadline = 30 * time.Second
	}
	return c
}

// Directory resolves the constructor/dispatch pair for an interface.
type Directory interface {
	Lookup(id meshrt.InterfaceId) (capability.Registration, error)
}

// ExecutionLeaser is the seam through which the Execution System acquires
// and renews the ExecutionLeases view §4.8 requires: the lease granting
// this node the right to keep serving a locally-hosted actor, as distinct
// from the Addressable Leaser's caller-side cache of leases for actors
// this process calls into remotely. Satisfied by *lease.AddressableLeaser,
// reused here for the opposite (callee-side) direction, since both sides
// are the same mesh-granted AddressableLease concept.
type ExecutionLeaser interface {
	Acquire(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error)
	Renew(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error)
	Sweep()
}

// System is the Execution System: activations map plus the worker pool
// that drains per-actor mailboxes.
type System struct {
	cfg       Config
	directory Directory
	clock     clock.Clock
	leaser    ExecutionLeaser

	mu          sync.RWMutex
	activations map[meshrt.AddressableReference]*activation

	taskCh chan *activation
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a System and starts its fixed worker pool. leaser may be
// nil, in which case the Execution System never tracks ExecutionLeases and
// the sweep falls back to idle-timeout-only deactivation.
func New(cfg Config, directory Directory, clk clock.Clock, leaser ExecutionLeaser) *System {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Default
	}
	s := &System{
		cfg:         cfg,
		directory:   directory,
		clock:       clk,
		leaser:      leaser,
		activations: make(map[meshrt.AddressableReference]*activation),
		taskCh:      make(chan *activation, cfg.Workers*4),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Enqueue implements the invocation.Executor seam consumed by the
// Invocation System (§4.8 steps 1-3): look up or activate, enqueue on the
// mailbox, and schedule the mailbox onto the pool if it is not already
// being drained.
func (s *System) Enqueue(ctx context.Context, req meshrt.InvocationRequest, reply func(meshrt.InvocationResult)) {
	act, err := s.getOrActivate(ctx, req.Target)
	if err != nil {
		reply(meshrt.InvocationResult{Err: err})
		return
	}

	act.mu.Lock()
	if act.stopping || act.state == meshrt.ActivationDeactivated {
		act.mu.Unlock()
		reply(meshrt.InvocationResult{Err: meshrt.New(meshrt.KindActivationGone, "activation gone", nil)})
		return
	}
	act.lastTouched = s.clock.Now()
	act.mailbox = append(act.mailbox, mailboxEntry{req: req, reply: reply})
	schedule := !act.busy
	if schedule {
		act.busy = true
	}
	act.mu.Unlock()

	if schedule {
		s.taskCh <- act
	}
}

func (s *System) getOrActivate(ctx context.Context, ref meshrt.AddressableReference) (*activation, error) {
	s.mu.RLock()
	act, ok := s.activations[ref]
	s.mu.RUnlock()
	if ok {
		return act, nil
	}

	reg, err := s.directory.Lookup(ref.Interface)
	if err != nil {
		return nil, meshrt.New(meshrt.KindActivationGone, "unknown interface", err)
	}

	s.mu.Lock()
	if act, ok = s.activations[ref]; ok {
		s.mu.Unlock()
		return act, nil
	}
	act = &activation{ref: ref, state: meshrt.ActivationActivating, dispatch: reg.Dispatch, lastTouched: s.clock.Now()}
	s.activations[ref] = act
	s.mu.Unlock()

	instance, cerr := reg.New(ref)
	act.mu.Lock()
	if cerr != nil {
		act.state = meshrt.ActivationDeactivated
		act.mu.Unlock()
		s.mu.Lock()
		delete(s.activations, ref)
		s.mu.Unlock()
		logging.Op().Warn("activation construct failed", "ref", ref.String(), "error", cerr)
		metrics.RecordActivationEvent(string(ref.Interface), "construct_failed")
		return nil, meshrt.New(meshrt.KindActivationFailed, "constructor failed", cerr)
	}
	act.instance = instance
	act.state = meshrt.ActivationActive
	act.mu.Unlock()
	metrics.RecordActivationEvent(string(ref.Interface), "activated")

	if s.leaser != nil {
		if execLease, lerr := s.leaser.Acquire(ctx, ref); lerr != nil {
			logging.Op().Warn("execution lease acquire failed", "ref", ref.String(), "error", lerr)
		} else {
			act.mu.Lock()
			act.executionLease = execLease
			act.mu.Unlock()
		}
	}
	return act, nil
}

// worker drains whichever activation it is handed, processing exactly one
// queued message before deciding whether to reschedule or go idle, so a
// busy mailbox never lands on two workers at once.
func (s *System) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case act := <-s.taskCh:
			s.drainOne(act)
		}
	}
}

func (s *System) drainOne(act *activation) {
	act.mu.Lock()
	if len(act.mailbox) == 0 {
		act.busy = false
		act.mu.Unlock()
		return
	}
	entry := act.mailbox[0]
	act.mailbox = act.mailbox[1:]
	instance := act.instance
	dispatch := act.dispatch
	act.mu.Unlock()

	result := s.invoke(act.ref, instance, dispatch, entry.req)
	entry.reply(result)

	act.mu.Lock()
	more := len(act.mailbox) > 0
	if !more {
		act.busy = false
	}
	act.mu.Unlock()
	if more {
		s.taskCh <- act
	}
}

func (s *System) invoke(ref meshrt.AddressableReference, instance any, dispatch meshrt.MethodDispatch, req meshrt.InvocationRequest) (result meshrt.InvocationResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("activation method panicked", "ref", ref.String(), "method", req.Method, "panic", r)
			result = meshrt.InvocationResult{Err: meshrt.New(meshrt.KindActivationFailed, fmt.Sprintf("panic: %v", r), nil)}
		}
	}()
	payload, err := dispatch(instance, req.Method, req.Args)
	if err != nil {
		return meshrt.InvocationResult{Err: meshrt.New(meshrt.KindRemote, "method dispatch failed", err)}
	}
	return meshrt.InvocationResult{Payload: payload}
}

// Tick performs the deactivation sweep (§4.8): an activation is
// deactivated once it goes idle, or once its execution lease is due for
// renewal and that renewal fails. Stop deactivates every activation itself
// rather than through this sweep.
func (s *System) Tick(ctx context.Context, deactivator meshrt.Deactivator) {
	now := s.clock.Now()

	s.mu.RLock()
	var idle, renewing []*activation
	for _, act := range s.activations {
		act.mu.Lock()
		active := act.state == meshrt.ActivationActive
		due := active && now.Sub(act.lastTouched) >= s.cfg.IdleTimeout
		leaseDue := !due && active && s.leaser != nil && act.executionLease.DueForRenewal(now)
		act.mu.Unlock()
		switch {
		case due:
			idle = append(idle, act)
		case leaseDue:
			renewing = append(renewing, act)
		}
	}
	s.mu.RUnlock()

	for _, act := range idle {
		s.deactivate(act, deactivator)
	}
	for _, act := range renewing {
		s.renewOrDeactivate(ctx, act, deactivator)
	}

	if s.leaser != nil {
		s.leaser.Sweep()
	}
}

// renewOrDeactivate renews act's execution lease; a failed renewal
// deactivates the activation per §4.8's second sweep trigger, since this
// node no longer holds the mesh's grant to keep serving it.
func (s *System) renewOrDeactivate(ctx context.Context, act *activation, deactivator meshrt.Deactivator) {
	execLease, err := s.leaser.Renew(ctx, act.ref)
	if err != nil {
		logging.Op().Warn("execution lease renewal failed", "ref", act.ref.String(), "error", err)
		metrics.RecordActivationEvent(string(act.ref.Interface), "execution_lease_lost")
		s.deactivate(act, deactivator)
		return
	}
	act.mu.Lock()
	act.executionLease = execLease
	act.mu.Unlock()
}

func (s *System) deactivate(act *activation, deactivator meshrt.Deactivator) {
	act.mu.Lock()
	if act.state != meshrt.ActivationActive {
		act.mu.Unlock()
		return
	}
	act.state = meshrt.ActivationDeactivating
	act.stopping = true
	instance := act.instance
	// Reject anything still queued; callers already got ActivationGone via
	// the stopping check in Enqueue for anything racing past this point.
	for _, entry := range act.mailbox {
		entry.reply(meshrt.InvocationResult{Err: meshrt.New(meshrt.KindActivationGone, "deactivating", nil)})
	}
	act.mailbox = nil
	act.mu.Unlock()

	if deactivator != nil {
		if err := deactivator(act.ref, instance); err != nil {
			logging.Op().Warn("deactivator failed", "ref", act.ref.String(), "error", err)
		}
	}

	act.mu.Lock()
	act.state = meshrt.ActivationDeactivated
	act.mu.Unlock()

	s.mu.Lock()
	delete(s.activations, act.ref)
	s.mu.Unlock()
	metrics.RecordActivationEvent(string(act.ref.Interface), "deactivated")
}

// Stop drains every activation, bounded by the configured stop deadline;
// activations still outstanding when the deadline elapses are abandoned
// and logged (§4.8, §4.10 step 3).
func (s *System) Stop(deactivator meshrt.Deactivator) {
	deadline := time.Now().Add(s.cfg.StopDeadline)

	for {
		s.mu.RLock()
		remaining := make([]*activation, 0, len(s.activations))
		for _, act := range s.activations {
			remaining = append(remaining, act)
		}
		s.mu.RUnlock()

		if len(remaining) == 0 {
			break
		}
		if time.Now().After(deadline) {
			logging.Op().Warn("stop deadline elapsed with activations outstanding", "count", len(remaining))
			break
		}
		for _, act := range remaining {
			s.deactivate(act, deactivator)
		}
	}

	close(s.stopCh)
	s.wg.Wait()
}

// ActivationCount reports the number of live activations, for metrics and
// for test assertions.
func (s *System) ActivationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activations)
}

package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/meshrt"
)

type fakeDirectory struct {
	regs map[meshrt.InterfaceId]capability.Registration
}

func (f fakeDirectory) Lookup(id meshrt.InterfaceId) (capability.Registration, error) {
	reg, ok := f.regs[id]
	if !ok {
		return capability.Registration{}, meshrt.ErrUnknownInterface
	}
	return reg, nil
}

// fakeExecutionLeaser is a scriptable ExecutionLeaser test double: renewFn
// controls whether a due renewal succeeds, and sweepCalls counts how many
// times Tick opportunistically swept it.
type fakeExecutionLeaser struct {
	mu         sync.Mutex
	renewFn    func(ref meshrt.AddressableReference) (meshrt.AddressableLease, error)
	sweepCalls int
}

func (f *fakeExecutionLeaser) Acquire(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	return meshrt.AddressableLease{Reference: ref}, nil
}

func (f *fakeExecutionLeaser) Renew(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	if f.renewFn != nil {
		return f.renewFn(ref)
	}
	return meshrt.AddressableLease{Reference: ref}, nil
}

func (f *fakeExecutionLeaser) Sweep() {
	f.mu.Lock()
	f.sweepCalls++
	f.mu.Unlock()
}

type counterActor struct {
	mu    sync.Mutex
	count int
}

func echoDispatch(instance any, method string, args []byte) ([]byte, error) {
	return args, nil
}

func testRef() meshrt.AddressableReference {
	return meshrt.AddressableReference{Interface: "meshrt.echo.v1", Key: "actor-1"}
}

func syncEnqueue(s *System, ctx context.Context, req meshrt.InvocationRequest) meshrt.InvocationResult {
	done := make(chan meshrt.InvocationResult, 1)
	s.Enqueue(ctx, req, func(r meshrt.InvocationResult) { done <- r })
	select {
	case r := <-done:
		return r
	case <-time.After(time.Second):
		panic("Enqueue reply did not fire within 1s")
	}
}

func TestEnqueueActivatesAndDispatches(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  echoDispatch,
		},
	}}
	s := New(Config{Workers: 2}, dir, clock.Default, nil)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo", Args: []byte("hi")}
	result := syncEnqueue(s, context.Background(), req)

	if string(result.Payload) != "hi" {
		t.Fatalf("expected echoed payload, got %q", result.Payload)
	}
	if s.ActivationCount() != 1 {
		t.Fatalf("expected 1 activation, got %d", s.ActivationCount())
	}
}

func TestEnqueueUnknownInterfaceFailsWithoutActivating(t *testing.T) {
	s := New(Config{Workers: 1}, fakeDirectory{}, clock.Default, nil)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	result := syncEnqueue(s, context.Background(), req)

	if !meshrt.IsKind(result.Err, meshrt.KindActivationGone) {
		t.Fatalf("expected ActivationGone, got %v", result.Err)
	}
	if s.ActivationCount() != 0 {
		t.Fatalf("expected no activation for an unknown interface, got %d", s.ActivationCount())
	}
}

func TestEnqueueConstructorFailureIsNotRetainedAsActivation(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return nil, errors.New("boom") },
			Dispatch:  echoDispatch,
		},
	}}
	s := New(Config{Workers: 1}, dir, clock.Default, nil)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	result := syncEnqueue(s, context.Background(), req)

	if !meshrt.IsKind(result.Err, meshrt.KindActivationFailed) {
		t.Fatalf("expected ActivationFailed, got %v", result.Err)
	}
	if s.ActivationCount() != 0 {
		t.Fatalf("expected failed construction to leave no activation behind, got %d", s.ActivationCount())
	}
}

func TestEnqueueSerializesMultipleMessagesPerActor(t *testing.T) {
	var mu sync.Mutex
	var order []string
	dispatch := func(instance any, method string, args []byte) ([]byte, error) {
		mu.Lock()
		order = append(order, string(args))
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return args, nil
	}
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  dispatch,
		},
	}}
	s := New(Config{Workers: 8}, dir, clock.Default, nil)
	defer s.Stop(nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := meshrt.InvocationRequest{MessageID: meshrt.MessageID(string(rune('a' + i))), Target: testRef(), Method: "Echo", Args: []byte{byte('a' + i)}}
			syncEnqueue(s, context.Background(), req)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected all 5 messages to be dispatched, got %d", len(order))
	}
}

func TestInvokeRecoversFromDispatchPanic(t *testing.T) {
	dispatch := func(instance any, method string, args []byte) ([]byte, error) {
		panic("dispatch exploded")
	}
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  dispatch,
		},
	}}
	s := New(Config{Workers: 1}, dir, clock.Default, nil)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	result := syncEnqueue(s, context.Background(), req)

	if !meshrt.IsKind(result.Err, meshrt.KindActivationFailed) {
		t.Fatalf("expected panic to be converted into ActivationFailed, got %v", result.Err)
	}
}

func TestTickDeactivatesIdleActivations(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  echoDispatch,
		},
	}}
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(Config{Workers: 1, IdleTimeout: time.Second}, dir, fake, nil)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	syncEnqueue(s, context.Background(), req)

	if s.ActivationCount() != 1 {
		t.Fatalf("expected 1 activation before sweep, got %d", s.ActivationCount())
	}

	fake.Advance(2 * time.Second)

	var deactivated meshrt.AddressableReference
	s.Tick(context.Background(), func(ref meshrt.AddressableReference, instance any) error {
		deactivated = ref
		return nil
	})

	if s.ActivationCount() != 0 {
		t.Fatalf("expected idle activation to be deactivated, got %d remaining", s.ActivationCount())
	}
	if deactivated != testRef() {
		t.Fatalf("expected deactivator to be called with %v, got %v", testRef(), deactivated)
	}
}

func TestTickLeavesRecentlyTouchedActivationsAlone(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  echoDispatch,
		},
	}}
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(Config{Workers: 1, IdleTimeout: time.Minute}, dir, fake, nil)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	syncEnqueue(s, context.Background(), req)

	fake.Advance(time.Second)
	s.Tick(context.Background(), func(meshrt.AddressableReference, any) error { return nil })

	if s.ActivationCount() != 1 {
		t.Fatalf("expected activation to survive a sweep well before its idle timeout, got %d", s.ActivationCount())
	}
}

func TestStopDrainsAllActivations(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  echoDispatch,
		},
	}}
	s := New(Config{Workers: 2, StopDeadline: time.Second}, dir, clock.Default, nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	syncEnqueue(s, context.Background(), req)

	var deactivateCalled bool
	s.Stop(func(meshrt.AddressableReference, any) error {
		deactivateCalled = true
		return nil
	})

	if !deactivateCalled {
		t.Fatal("expected Stop to invoke the deactivator for the outstanding activation")
	}
	if s.ActivationCount() != 0 {
		t.Fatalf("expected no activations left after Stop, got %d", s.ActivationCount())
	}
}

func TestTickDeactivatesWhenExecutionLeaseRenewalFails(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  echoDispatch,
		},
	}}
	fake := clock.NewFake(time.Unix(0, 0))
	leaser := &fakeExecutionLeaser{
		renewFn: func(ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
			return meshrt.AddressableLease{}, errors.New("lease renewal rejected")
		},
	}
	s := New(Config{Workers: 1, IdleTimeout: time.Hour}, dir, fake, leaser)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	syncEnqueue(s, context.Background(), req)

	if s.ActivationCount() != 1 {
		t.Fatalf("expected 1 activation before sweep, got %d", s.ActivationCount())
	}

	// The fake Acquire grants a zero-value lease, so it is immediately due
	// for renewal; advancing the clock is not even required, but do it
	// anyway to mirror a real lease's renewal threshold being crossed.
	fake.Advance(time.Second)

	var deactivated meshrt.AddressableReference
	s.Tick(context.Background(), func(ref meshrt.AddressableReference, instance any) error {
		deactivated = ref
		return nil
	})

	if s.ActivationCount() != 0 {
		t.Fatalf("expected activation to be deactivated after a failed lease renewal, got %d remaining", s.ActivationCount())
	}
	if deactivated != testRef() {
		t.Fatalf("expected deactivator to be called with %v, got %v", testRef(), deactivated)
	}
	if leaser.sweepCalls == 0 {
		t.Fatal("expected Tick to call Sweep on the execution leaser")
	}
}

func TestTickRenewsExecutionLeaseWithoutDeactivating(t *testing.T) {
	dir := fakeDirectory{regs: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {
			Interface: "meshrt.echo.v1",
			New:       func(ref meshrt.AddressableReference) (any, error) { return &counterActor{}, nil },
			Dispatch:  echoDispatch,
		},
	}}
	fake := clock.NewFake(time.Unix(0, 0))
	renewed := meshrt.AddressableLease{Reference: testRef(), LeaseRenewAt: fake.Now().Add(time.Hour), LeaseExpiresAt: fake.Now().Add(2 * time.Hour)}
	leaser := &fakeExecutionLeaser{
		renewFn: func(ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
			return renewed, nil
		},
	}
	s := New(Config{Workers: 1, IdleTimeout: time.Hour}, dir, fake, leaser)
	defer s.Stop(nil)

	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Echo"}
	syncEnqueue(s, context.Background(), req)

	s.Tick(context.Background(), func(meshrt.AddressableReference, any) error { return nil })

	if s.ActivationCount() != 1 {
		t.Fatalf("expected the activation to survive a successful lease renewal, got %d", s.ActivationCount())
	}

	s.mu.RLock()
	act := s.activations[testRef()]
	s.mu.RUnlock()
	act.mu.Lock()
	got := act.executionLease
	act.mu.Unlock()
	if got != renewed {
		t.Fatalf("expected the renewed lease to be stored on the activation, got %+v", got)
	}
}

package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/transport"
)

type fakeSender struct {
	sendFn func(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error)
}

func (f fakeSender) Send(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
	return f.sendFn(ctx, req)
}

type fakeDirectory struct {
	known map[meshrt.InterfaceId]capability.Registration
}

func (f fakeDirectory) Lookup(id meshrt.InterfaceId) (capability.Registration, error) {
	reg, ok := f.known[id]
	if !ok {
		return capability.Registration{}, meshrt.ErrUnknownInterface
	}
	return reg, nil
}

type fakeBreaker struct {
	allow    bool
	recorded []error
}

func (f *fakeBreaker) Allow(meshrt.AddressableReference) bool { return f.allow }
func (f *fakeBreaker) Record(ref meshrt.AddressableReference, err error) {
	f.recorded = append(f.recorded, err)
}

type fakeExecutor struct {
	enqueueFn func(ctx context.Context, req meshrt.InvocationRequest, reply func(meshrt.InvocationResult))
}

func (f fakeExecutor) Enqueue(ctx context.Context, req meshrt.InvocationRequest, reply func(meshrt.InvocationResult)) {
	f.enqueueFn(ctx, req, reply)
}

func testRef() meshrt.AddressableReference {
	return meshrt.AddressableReference{Interface: "meshrt.echo.v1", Key: "actor-1"}
}

func TestCallMarshalsArgsAndUnmarshalsResult(t *testing.T) {
	var sentArgs map[string]any
	sender := fakeSender{sendFn: func(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
		json.Unmarshal(req.Args, &sentArgs)
		payload, _ := json.Marshal(map[string]any{"reply": "pong"})
		return meshrt.InvocationResult{Payload: payload}, nil
	}}

	sys := New(sender, fakeDirectory{}, nil, nil, nil, transport.NewLocalMesh())

	var out map[string]string
	err := sys.Call(context.Background(), testRef(), "Ping", map[string]any{"msg": "hi"}, &out, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sentArgs["msg"] != "hi" {
		t.Fatalf("expected args to be marshaled through, got %+v", sentArgs)
	}
	if out["reply"] != "pong" {
		t.Fatalf("expected result to be unmarshaled, got %+v", out)
	}
}

func TestCallRejectedWhenBreakerOpen(t *testing.T) {
	breaker := &fakeBreaker{allow: false}
	sender := fakeSender{sendFn: func(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
		t.Fatal("Sender must not be reached when the breaker rejects the call")
		return meshrt.InvocationResult{}, nil
	}}

	sys := New(sender, fakeDirectory{}, breaker, nil, nil, transport.NewLocalMesh())

	err := sys.Call(context.Background(), testRef(), "Ping", nil, nil, time.Second)
	if !meshrt.IsKind(err, meshrt.KindRemote) {
		t.Fatalf("expected KindRemote for breaker-open rejection, got %v", err)
	}
}

func TestCallRecordsResultOnBreaker(t *testing.T) {
	breaker := &fakeBreaker{allow: true}
	wantErr := errors.New("remote failure")
	sender := fakeSender{sendFn: func(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
		return meshrt.InvocationResult{Err: wantErr}, nil
	}}

	sys := New(sender, fakeDirectory{}, breaker, nil, nil, transport.NewLocalMesh())
	err := sys.Call(context.Background(), testRef(), "Ping", nil, nil, time.Second)

	if err != wantErr {
		t.Fatalf("expected remote error to propagate, got %v", err)
	}
	if len(breaker.recorded) != 1 || breaker.recorded[0] != wantErr {
		t.Fatalf("expected breaker to record the remote error, got %+v", breaker.recorded)
	}
}

func TestCallPropagatesSendError(t *testing.T) {
	sendErr := errors.New("connection reset")
	sender := fakeSender{sendFn: func(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
		return meshrt.InvocationResult{}, sendErr
	}}

	sys := New(sender, fakeDirectory{}, nil, nil, nil, transport.NewLocalMesh())
	err := sys.Call(context.Background(), testRef(), "Ping", nil, nil, time.Second)

	if err != sendErr {
		t.Fatalf("expected send error to propagate, got %v", err)
	}
}

func TestOnInboundInvocationRejectsUnknownInterface(t *testing.T) {
	mesh := transport.NewLocalMesh()
	mesh.Join(context.Background(), "default", nil)

	sys := New(nil, fakeDirectory{}, nil, nil, nil, mesh)
	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Ping"}

	sys.OnInboundInvocation(context.Background(), req)

	resp := mesh.Responses()["m1"]
	if !meshrt.IsKind(resp.Err, meshrt.KindActivationGone) {
		t.Fatalf("expected ActivationGone for unknown interface, got %v", resp.Err)
	}
}

func TestOnInboundInvocationRejectsWhenNoExecutor(t *testing.T) {
	mesh := transport.NewLocalMesh()
	dir := fakeDirectory{known: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {Interface: "meshrt.echo.v1"},
	}}

	sys := New(nil, dir, nil, nil, nil, mesh)
	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Ping"}

	sys.OnInboundInvocation(context.Background(), req)

	resp := mesh.Responses()["m1"]
	if !meshrt.IsKind(resp.Err, meshrt.KindActivationGone) {
		t.Fatalf("expected ActivationGone with no executor configured, got %v", resp.Err)
	}
}

func TestOnInboundInvocationDispatchesThroughExecutor(t *testing.T) {
	mesh := transport.NewLocalMesh()
	dir := fakeDirectory{known: map[meshrt.InterfaceId]capability.Registration{
		"meshrt.echo.v1": {Interface: "meshrt.echo.v1"},
	}}
	executor := fakeExecutor{enqueueFn: func(ctx context.Context, req meshrt.InvocationRequest, reply func(meshrt.InvocationResult)) {
		reply(meshrt.InvocationResult{Payload: []byte("ok")})
	}}

	sys := New(nil, dir, nil, executor, nil, mesh)
	req := meshrt.InvocationRequest{MessageID: "m1", Target: testRef(), Method: "Ping"}

	sys.OnInboundInvocation(context.Background(), req)

	resp := mesh.Responses()["m1"]
	if string(resp.Payload) != "ok" {
		t.Fatalf("expected dispatched result to be written back, got %+v", resp)
	}
}

func TestCallAcquiresLeaseBeforeSend(t *testing.T) {
	leaseErr := errors.New("no placement")
	leaser := leaserFunc(func(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
		return meshrt.AddressableLease{}, leaseErr
	})
	sender := fakeSender{sendFn: func(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
		t.Fatal("Sender must not be reached when the lease cannot be acquired")
		return meshrt.InvocationResult{}, nil
	}}

	sys := New(sender, fakeDirectory{}, nil, nil, leaser, transport.NewLocalMesh())
	err := sys.Call(context.Background(), testRef(), "Ping", nil, nil, time.Second)

	if err != leaseErr {
		t.Fatalf("expected lease error to propagate, got %v", err)
	}
}

type leaserFunc func(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error)

func (f leaserFunc) Acquire(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	return f(ctx, ref)
}

package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/transport"
)

func TestHandlerSendCompletesOnInboundResponse(t *testing.T) {
	mesh := transport.NewLocalMesh()
	h := NewHandler(mesh, clock.Default)

	req := meshrt.InvocationRequest{MessageID: "m1", Method: "Ping"}

	done := make(chan meshrt.InvocationResult, 1)
	go func() {
		result, err := h.Send(context.Background(), req)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- result
	}()

	// Wait for the send to register before completing it, matching the
	// real sequencing where WriteInvocation returns before the response
	// can possibly arrive.
	for h.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	h.OnInboundResponse("m1", meshrt.InvocationResult{Payload: []byte("pong")})

	select {
	case result := <-done:
		if string(result.Payload) != "pong" {
			t.Fatalf("expected pong payload, got %q", result.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not complete within 1s")
	}

	if h.PendingCount() != 0 {
		t.Fatalf("expected pending table to be empty, got %d", h.PendingCount())
	}
}

func TestHandlerTickTimesOutExpiredEntry(t *testing.T) {
	mesh := transport.NewLocalMesh()
	fake := clock.NewFake(time.Unix(0, 0))
	h := NewHandler(mesh, fake)

	req := meshrt.InvocationRequest{MessageID: "m1", Method: "Ping", Deadline: time.Unix(0, 0).Add(time.Second)}

	done := make(chan meshrt.InvocationResult, 1)
	go func() {
		result, _ := h.Send(context.Background(), req)
		done <- result
	}()

	for h.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	fake.Advance(2 * time.Second)
	h.Tick()

	select {
	case result := <-done:
		if !meshrt.IsKind(result.Err, meshrt.KindTimeout) {
			t.Fatalf("expected KindTimeout, got %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not complete within 1s")
	}
}

func TestHandlerTickIgnoresEntriesWithoutDeadline(t *testing.T) {
	mesh := transport.NewLocalMesh()
	fake := clock.NewFake(time.Unix(0, 0))
	h := NewHandler(mesh, fake)

	req := meshrt.InvocationRequest{MessageID: "m1", Method: "Ping"}
	go h.Send(context.Background(), req)

	for h.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	fake.Advance(time.Hour)
	h.Tick()

	if h.PendingCount() != 1 {
		t.Fatal("an entry with a zero deadline must never be swept by Tick")
	}
}

func TestHandlerCompletesExactlyOnce(t *testing.T) {
	mesh := transport.NewLocalMesh()
	h := NewHandler(mesh, clock.Default)

	req := meshrt.InvocationRequest{MessageID: "m1", Method: "Ping"}
	go h.Send(context.Background(), req)

	for h.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if !h.complete("m1", meshrt.InvocationResult{Payload: []byte("first")}) {
		t.Fatal("expected first completion to succeed")
	}
	if h.complete("m1", meshrt.InvocationResult{Payload: []byte("second")}) {
		t.Fatal("expected second completion for the same message id to be rejected")
	}
}

func TestHandlerOnInboundResponseCountsStrayReplies(t *testing.T) {
	mesh := transport.NewLocalMesh()
	h := NewHandler(mesh, clock.Default)

	h.OnInboundResponse("never-sent", meshrt.InvocationResult{Payload: []byte("x")})

	if h.StrayResponses() != 1 {
		t.Fatalf("expected 1 stray response, got %d", h.StrayResponses())
	}
}

func TestHandlerSendCancellationCompletesWithTimeout(t *testing.T) {
	mesh := transport.NewLocalMesh()
	h := NewHandler(mesh, clock.Default)

	ctx, cancel := context.WithCancel(context.Background())
	req := meshrt.InvocationRequest{MessageID: "m1", Method: "Ping"}

	done := make(chan meshrt.InvocationResult, 1)
	go func() {
		result, _ := h.Send(ctx, req)
		done <- result
	}()

	for h.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case result := <-done:
		if !meshrt.IsKind(result.Err, meshrt.KindTimeout) {
			t.Fatalf("expected KindTimeout on cancellation, got %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not complete within 1s after cancellation")
	}
}

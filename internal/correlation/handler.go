// Package correlation implements the Message Handler (§4.6): the outbound
// correlation table. It inserts a PendingCall per outbound send, completes
// it exactly once from either an inbound response or a tick-driven
// timeout sweep, and never both (§3 invariant).
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
)

// pendingCall is the in-process completion sink for one outbound request.
type pendingCall struct {
	deadline time.Time
	result   chan meshrt.InvocationResult
	done     bool
}

// Handler owns the pending map and the frame-writing side of the mesh
// client: single-writer for inserts and timeouts, with completion
// mutually exclusive per entry via the mutex plus a map deletion as the
// "completed exactly once" gate.
type Handler struct {
	client meshrt.MeshClient
	clock  clock.Clock

	mu      sync.Mutex
	pending map[meshrt.MessageID]*pendingCall

	strayResponses int64
}

// NewHandler constructs a Handler dispatching frames through client.
func NewHandler(client meshrt.MeshClient, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Default
	}
	return &Handler{
		client:  client,
		clock:   clk,
		pending: make(map[meshrt.MessageID]*pendingCall),
	}
}

// Send inserts a PendingCall, writes the frame through the transport, and
// blocks until the call is fulfilled by an inbound response, a local
// deadline/cancellation, or the tick-driven sweep (§4.6). Exactly one of
// those completes the call (§3 invariant).
func (h *Handler) Send(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error) {
	pc := &pendingCall{deadline: req.Deadline, result: make(chan meshrt.InvocationResult, 1)}

	h.mu.Lock()
	h.pending[req.MessageID] = pc
	h.mu.Unlock()

	if err := h.client.WriteInvocation(ctx, req); err != nil {
		h.complete(req.MessageID, meshrt.InvocationResult{Err: meshrt.New(meshrt.KindTransport, "write invocation failed", err)})
	}

	select {
	case out := <-pc.result:
		return out, nil
	case <-ctx.Done():
		h.complete(req.MessageID, meshrt.InvocationResult{Err: meshrt.New(meshrt.KindTimeout, "invocation canceled", ctx.Err())})
		return <-pc.result, nil
	}
}

// OnInboundResponse demultiplexes an inbound frame onto its PendingCall.
// If no entry exists (already completed by timeout, or a stray duplicate)
// the response is discarded and counted (§4.6).
func (h *Handler) OnInboundResponse(messageID meshrt.MessageID, result meshrt.InvocationResult) {
	if !h.complete(messageID, result) {
		h.mu.Lock()
		h.strayResponses++
		h.mu.Unlock()
		metrics.IncStrayResponses()
		logging.Op().Debug("stray inbound response discarded", "message_id", messageID)
	}
}

// complete fulfills the entry for messageID exactly once, returning false
// if there was no entry (already removed by a prior complete/timeout).
func (h *Handler) complete(messageID meshrt.MessageID, result meshrt.InvocationResult) bool {
	h.mu.Lock()
	pc, ok := h.pending[messageID]
	if ok {
		delete(h.pending, messageID)
	}
	h.mu.Unlock()
	if !ok || pc.done {
		return false
	}
	pc.done = true
	pc.result <- result
	return true
}

// Tick walks pending, completing with TimeoutError any entry whose
// deadline has passed (§4.6). The walk is O(n) in the number of
// outstanding calls, which the spec notes is acceptable since invocation
// counts are bounded by application concurrency, not tick throughput.
func (h *Handler) Tick() {
	now := h.clock.Now()

	h.mu.Lock()
	var expired []meshrt.MessageID
	for id, pc := range h.pending {
		if !pc.deadline.IsZero() && !now.Before(pc.deadline) {
			expired = append(expired, id)
		}
	}
	h.mu.Unlock()

	for _, id := range expired {
		h.complete(id, meshrt.InvocationResult{Err: meshrt.Sentinel(meshrt.KindTimeout)})
	}
}

// PendingCount reports the number of outstanding calls, for metrics and
// for the stop() invariant check ("pending is empty").
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// StrayResponses reports the cumulative stray-response counter.
func (h *Handler) StrayResponses() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strayResponses
}

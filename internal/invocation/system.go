// Package invocation implements the Invocation System (§4.7): the
// typed-proxy/wire boundary for both outbound and inbound actor calls.
package invocation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
	"github.com/oriys/meshrt/internal/observability"
)

// Sender is the outbound half of the Message Handler (internal/correlation.Handler).
type Sender interface {
	Send(ctx context.Context, req meshrt.InvocationRequest) (meshrt.InvocationResult, error)
}

// Directory resolves an InterfaceId to its registration, satisfied by
// internal/capability.Directory.
type Directory interface {
	Lookup(id meshrt.InterfaceId) (capability.Registration, error)
}

// Breaker gates outbound dispatch per AddressableReference (§11). An OPEN
// breaker must fail the call immediately without touching the Sender.
type Breaker interface {
	Allow(ref meshrt.AddressableReference) bool
	Record(ref meshrt.AddressableReference, err error)
}

// Executor is the Execution System's inbound entry point
// (internal/activation.System). reply is invoked exactly once, from
// whatever goroutine finishes the mailbox dispatch.
type Executor interface {
	Enqueue(ctx context.Context, req meshrt.InvocationRequest, reply func(meshrt.InvocationResult))
}

// Leaser is the Addressable Leaser (internal/lease.AddressableLeaser):
// outbound dispatch consults it before sending (§4.4, §4.7).
type Leaser interface {
	Acquire(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error)
}

// noopBreaker always allows; used when the host has no breaker configured.
type noopBreaker struct{}

func (noopBreaker) Allow(meshrt.AddressableReference) bool         { return true }
func (noopBreaker) Record(meshrt.AddressableReference, error) {}

// System is the Invocation System: it turns typed proxy calls into wire
// requests on the way out, and wire requests into Execution System
// dispatch on the way in.
type System struct {
	sender     Sender
	directory  Directory
	breaker    Breaker
	executor   Executor
	leaser     Leaser
	serializer Serializer
	client     meshrt.MeshClient
}

// New constructs a System. breaker, executor, and leaser may be nil: a nil
// breaker allows every call, a nil executor causes inbound requests to
// fail with ActivationGone (no host wired yet), and a nil leaser skips the
// addressable-lease consult entirely (suitable for a mesh whose directory
// already guarantees routability without a client-held lease).
func New(sender Sender, directory Directory, breaker Breaker, executor Executor, leaser Leaser, client meshrt.MeshClient) *System {
	if breaker == nil {
		breaker = noopBreaker{}
	}
	return &System{
		sender:     sender,
		directory:  directory,
		breaker:    breaker,
		executor:   executor,
		leaser:     leaser,
		serializer: JSONSerializer{},
		client:     client,
	}
}

// Call encodes args, dispatches through the breaker and Sender, and
// decodes the result into out (a pointer), or returns a RemoteException
// wrapping the remote-side error kind and message.
func (s *System) Call(ctx context.Context, ref meshrt.AddressableReference, method string, args any, out any, timeout time.Duration) error {
	ctx, span := observability.StartSpan(ctx, "invocation.call",
		observability.AttrInterface.String(string(ref.Interface)),
		observability.AttrMethod.String(method),
		observability.AttrDirection.String("outbound"),
	)
	defer span.End()

	if !s.breaker.Allow(ref) {
		err := meshrt.New(meshrt.KindRemote, "breaker open for "+ref.String(), nil)
		observability.SetSpanError(span, err)
		return err
	}

	if s.leaser != nil {
		if _, err := s.leaser.Acquire(ctx, ref); err != nil {
			s.breaker.Record(ref, err)
			observability.SetSpanError(span, err)
			return err
		}
	}

	payload, err := s.serializer.Marshal(args)
	if err != nil {
		observability.SetSpanError(span, err)
		return meshrt.New(meshrt.KindSerialization, "marshal args failed", err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	req := meshrt.InvocationRequest{
		MessageID: meshrt.MessageID(uuid.NewString()),
		Target:    ref,
		Method:    method,
		Args:      payload,
		Deadline:  deadline,
	}

	start := time.Now()
	result, sendErr := s.sender.Send(ctx, req)
	elapsed := time.Since(start)
	metrics.RecordInvocationDuration(string(ref.Interface), method, elapsed)

	entry := &logging.InvocationLog{
		MessageID:  string(req.MessageID),
		TraceID:    observability.GetTraceID(ctx),
		SpanID:     observability.GetSpanID(ctx),
		Interface:  string(ref.Interface),
		Method:     method,
		Direction:  "outbound",
		DurationMs: elapsed.Milliseconds(),
		ArgsSize:   len(payload),
	}
	defer logging.Default().Log(entry)

	if sendErr != nil {
		s.breaker.Record(ref, sendErr)
		metrics.RecordInvocation(string(ref.Interface), "outbound", "error")
		observability.SetSpanError(span, sendErr)
		entry.Error = sendErr.Error()
		return sendErr
	}
	s.breaker.Record(ref, result.Err)
	if result.Err != nil {
		metrics.RecordInvocation(string(ref.Interface), "outbound", "error")
		observability.SetSpanError(span, result.Err)
		entry.Error = result.Err.Error()
		return result.Err
	}
	if out != nil {
		if err := s.serializer.Unmarshal(result.Payload, out); err != nil {
			metrics.RecordInvocation(string(ref.Interface), "outbound", "error")
			observability.SetSpanError(span, err)
			entry.Error = err.Error()
			return meshrt.New(meshrt.KindSerialization, "unmarshal result failed", err)
		}
	}
	metrics.RecordInvocation(string(ref.Interface), "outbound", "ok")
	observability.SetSpanOK(span)
	entry.Success = true
	entry.ResultSize = len(result.Payload)
	return nil
}

// OnInboundInvocation implements meshrt.InvocationSink. It validates the
// target interface against the Definition Directory before handing the
// request to the Execution System; an unknown interface fails fast with
// ActivationGone and never reaches the mailbox.
func (s *System) OnInboundInvocation(ctx context.Context, req meshrt.InvocationRequest) {
	ctx, span := observability.StartServerSpan(ctx, "invocation.dispatch",
		observability.AttrInterface.String(string(req.Target.Interface)),
		observability.AttrMethod.String(req.Method),
		observability.AttrMessageID.String(string(req.MessageID)),
		observability.AttrDirection.String("inbound"),
	)

	start := time.Now()
	entry := &logging.InvocationLog{
		MessageID: string(req.MessageID),
		TraceID:   observability.GetTraceID(ctx),
		SpanID:    observability.GetSpanID(ctx),
		Interface: string(req.Target.Interface),
		Method:    req.Method,
		Direction: "inbound",
		ArgsSize:  len(req.Args),
	}

	if _, err := s.directory.Lookup(req.Target.Interface); err != nil {
		observability.SetSpanError(span, err)
		span.End()
		entry.DurationMs = time.Since(start).Milliseconds()
		entry.Error = err.Error()
		logging.Default().Log(entry)
		s.reply(ctx, req.MessageID, meshrt.InvocationResult{Err: meshrt.New(meshrt.KindActivationGone, "unknown interface", err)})
		return
	}
	if s.executor == nil {
		err := meshrt.New(meshrt.KindActivationGone, "no execution system configured", nil)
		observability.SetSpanError(span, err)
		span.End()
		entry.DurationMs = time.Since(start).Milliseconds()
		entry.Error = err.Error()
		logging.Default().Log(entry)
		s.reply(ctx, req.MessageID, meshrt.InvocationResult{Err: err})
		return
	}
	// The span ends in the reply callback, which fires once the Execution
	// System actually drains the mailbox entry (possibly on another
	// goroutine) rather than when Enqueue merely schedules it.
	s.executor.Enqueue(ctx, req, func(result meshrt.InvocationResult) {
		status := "ok"
		entry.DurationMs = time.Since(start).Milliseconds()
		entry.ResultSize = len(result.Payload)
		if result.Err != nil {
			status = "error"
			entry.Error = result.Err.Error()
			observability.SetSpanError(span, result.Err)
		} else {
			entry.Success = true
			observability.SetSpanOK(span)
		}
		logging.Default().Log(entry)
		span.End()
		metrics.RecordInvocation(string(req.Target.Interface), "inbound", status)
		s.reply(ctx, req.MessageID, result)
	})
}

func (s *System) reply(ctx context.Context, messageID meshrt.MessageID, result meshrt.InvocationResult) {
	if err := s.client.WriteInvocationResult(ctx, messageID, result); err != nil {
		_ = err // transport write failures surface on the caller's side via its own deadline sweep
	}
}

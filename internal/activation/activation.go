// Package activation implements the Execution System (§4.8): the
// activation registry, per-actor mailboxes, and the deactivation sweep.
package activation

import (
	"sync"
	"time"

	"github.com/oriys/meshrt/internal/meshrt"
)

// mailboxEntry is one queued inbound invocation awaiting dispatch.
type mailboxEntry struct {
	req   meshrt.InvocationRequest
	reply func(meshrt.InvocationResult)
}

// activation is a single locally-hosted actor instance plus its mailbox.
// A mailbox processes at most one message at a time (busy gates
// scheduling onto the worker pool), which is the per-actor serialization
// guarantee §4.8 and §5 describe.
type activation struct {
	mu             sync.Mutex
	ref            meshrt.AddressableReference
	state          meshrt.ActivationState
	instance       any
	dispatch       meshrt.MethodDispatch
	mailbox        []mailboxEntry
	busy           bool
	lastTouched    time.Time
	stopping       bool
	executionLease meshrt.AddressableLease
}

func (a *activation) String() string { return a.ref.String() }

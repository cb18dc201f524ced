package meshrt

import "context"

// MeshClient is the boundary contract satisfied by the Connection Handler
// (internal/transport) and depended on by the leasers and the invocation
// pipeline. It is the "transport is external" seam named in §1's
// out-of-scope list, narrowed to exactly the RPCs this spec's components
// need.
type MeshClient interface {
	// Join issues a JoinRequest carrying capabilities and returns the
	// granted NodeInfo, or JoinRejected.
	Join(ctx context.Context, namespace string, capabilities []InterfaceId) (NodeInfo, error)
	// Renew issues a RenewRequest for the node's own membership lease.
	Renew(ctx context.Context, nodeID NodeId) (NodeInfo, error)
	// Leave issues a best-effort LeaveRequest.
	Leave(ctx context.Context, nodeID NodeId) error
	// AcquireAddressableLease resolves placement for ref and returns the
	// granted lease.
	AcquireAddressableLease(ctx context.Context, ref AddressableReference) (AddressableLease, error)
	// RenewAddressableLease refreshes an already-held lease.
	RenewAddressableLease(ctx context.Context, ref AddressableReference) (AddressableLease, error)
	// WriteInvocation enqueues an outbound InvocationRequest frame on the
	// stream. It does not wait for the response; correlation and the
	// completion wait live in the Message Handler (internal/correlation).
	WriteInvocation(ctx context.Context, req InvocationRequest) error
	// WriteInvocationResult enqueues the InvocationResponse frame for a
	// request this node received and has finished executing.
	WriteInvocationResult(ctx context.Context, messageID MessageID, result InvocationResult) error
}

// ResponseSink receives responses demultiplexed off the mesh stream for
// this node's own outbound calls. Satisfied by internal/correlation.Handler.
type ResponseSink interface {
	OnInboundResponse(messageID MessageID, result InvocationResult)
}

// InvocationSink receives inbound invocation requests targeting actors
// hosted here. Satisfied by internal/invocation.System.
type InvocationSink interface {
	OnInboundInvocation(ctx context.Context, req InvocationRequest)
}

// Package transport implements the Connection Handler (§4.5): the
// bidirectional message stream to the mesh, and the boundary types it
// carries (§6 wire protocol). There is no protoc-generated stub in this
// tree (the retrieval pack's own internal/grpc/server.go references a
// generated api/proto/novapb package that does not exist anywhere in the
// pack; see DESIGN.md). Instead the stream is driven through grpc-go's
// low-level public streaming API with a hand-authored ServiceDesc and a
// JSON codec, and the invocation argument/result bag uses
// google.golang.org/protobuf's structpb so protobuf has a genuine,
// non-generated role on the wire.
package transport

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/meshrt/internal/meshrt"
)

// FrameKind discriminates the oneof-style frames named in §6.
type FrameKind string

const (
	FrameJoinRequest             FrameKind = "JoinRequest"
	FrameJoinResponse            FrameKind = "JoinResponse"
	FrameRenewRequest            FrameKind = "RenewRequest"
	FrameRenewResponse           FrameKind = "RenewResponse"
	FrameLeaveRequest            FrameKind = "LeaveRequest"
	FrameLeaveResponse           FrameKind = "LeaveResponse"
	FrameAddressableLeaseRequest FrameKind = "AddressableLeaseRequest"
	FrameAddressableLeaseResponse FrameKind = "AddressableLeaseResponse"
	FrameInvocationRequest       FrameKind = "InvocationRequest"
	FrameInvocationResponse      FrameKind = "InvocationResponse"
)

// Envelope is the single wire message every frame kind is packed into.
// Exactly one of the payload fields is populated, selected by Kind; this
// mirrors a protobuf oneof without requiring generated code.
type Envelope struct {
	Kind          FrameKind           `json:"kind"`
	CorrelationID string              `json:"correlation_id"`
	Join          *JoinPayload        `json:"join,omitempty"`
	Renew         *RenewPayload       `json:"renew,omitempty"`
	Leave         *LeavePayload       `json:"leave,omitempty"`
	Lease         *LeasePayload       `json:"lease,omitempty"`
	Invocation    *InvocationPayload  `json:"invocation,omitempty"`
}

type JoinPayload struct {
	Namespace    string              `json:"namespace,omitempty"`
	Capabilities []meshrt.InterfaceId `json:"capabilities,omitempty"`
	Rejected     bool                `json:"rejected,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	NodeID       meshrt.NodeId       `json:"node_id,omitempty"`
	LeaseExpires time.Time           `json:"lease_expires,omitempty"`
	LeaseRenewAt time.Time           `json:"lease_renew_at,omitempty"`
}

type RenewPayload struct {
	NodeID       meshrt.NodeId `json:"node_id"`
	Lost         bool          `json:"lost,omitempty"`
	LeaseExpires time.Time     `json:"lease_expires,omitempty"`
	LeaseRenewAt time.Time     `json:"lease_renew_at,omitempty"`
}

type LeavePayload struct {
	NodeID meshrt.NodeId `json:"node_id"`
}

type LeasePayload struct {
	Interface    meshrt.InterfaceId `json:"interface"`
	Key          meshrt.ActorKey    `json:"key"`
	NodeID       meshrt.NodeId      `json:"node_id,omitempty"`
	LeaseExpires time.Time          `json:"lease_expires,omitempty"`
	LeaseRenewAt time.Time          `json:"lease_renew_at,omitempty"`
	Denied       bool               `json:"denied,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// InvocationPayload carries both request and response shapes; unused
// fields are zero. Args/Result use structpb.Struct so arbitrary
// host-level argument bags round-trip through a real protobuf message
// type without requiring a service-specific generated schema.
type InvocationPayload struct {
	MessageID meshrt.MessageID   `json:"message_id"`
	Interface meshrt.InterfaceId `json:"interface,omitempty"`
	Key       meshrt.ActorKey    `json:"key,omitempty"`
	Method    string             `json:"method,omitempty"`
	Args      *structpb.Struct   `json:"args,omitempty"`
	DeadlineUnixNano int64       `json:"deadline_unix_nano,omitempty"`
	Result    *structpb.Struct   `json:"result,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	ErrorMsg  string             `json:"error_msg,omitempty"`

	// TraceParent/TraceState carry the W3C trace context of the calling
	// span across the wire (§10), so the receiving node's inbound span
	// joins the caller's trace instead of starting a disconnected one.
	TraceParent string `json:"trace_parent,omitempty"`
	TraceState  string `json:"trace_state,omitempty"`
}

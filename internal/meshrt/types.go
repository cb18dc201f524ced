// Package meshrt defines the data model shared by every component of the
// mesh client runtime: node identity and lifecycle state, actor references
// and leases, and the invocation envelope that flows between the
// Invocation System, the Message Handler, and the Execution System.
package meshrt

import "time"

// NodeId is the opaque identifier the mesh assigns at join. The zero value
// means "not yet joined".
type NodeId string

// Empty reports whether the id has not been assigned.
func (n NodeId) Empty() bool { return n == "" }

// ClientState is the node's lifecycle state. Transitions are monotone:
// IDLE -> CONNECTING -> CONNECTED -> STOPPING -> STOPPED, with a shortcut
// CONNECTING -> IDLE on join failure. There is no re-entry after STOPPED.
type ClientState int

const (
	StateIdle ClientState = iota
	StateConnecting
	StateConnected
	StateStopping
	StateStopped
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// InterfaceId names an actor interface version, stable across the mesh.
type InterfaceId string

// ActorKey is the opaque identity of a virtual actor within an interface.
// The mesh treats it as an uninterpreted string; callers may encode
// composite keys into it themselves.
type ActorKey string

// AddressableReference names a single virtual actor.
type AddressableReference struct {
	Interface InterfaceId
	Key       ActorKey
}

func (r AddressableReference) String() string {
	return string(r.Interface) + "/" + string(r.Key)
}

// NodeInfo is the identity and lease terms granted by the mesh at join.
type NodeInfo struct {
	ID             NodeId
	LeaseExpiresAt time.Time
	LeaseRenewAt   time.Time
}

// NodeStatus is the Local Node's full observable state. It is always
// handed out as an immutable snapshot; mutation only happens through
// Node.Manipulate.
type NodeStatus struct {
	NodeInfo     *NodeInfo
	Capabilities map[InterfaceId]struct{}
	ClientState  ClientState
}

// Clone returns a deep-enough copy safe for a reader to retain across
// further mutations of the originating Node.
func (s NodeStatus) Clone() NodeStatus {
	out := s
	if s.NodeInfo != nil {
		info := *s.NodeInfo
		out.NodeInfo = &info
	}
	if s.Capabilities != nil {
		out.Capabilities = make(map[InterfaceId]struct{}, len(s.Capabilities))
		for k := range s.Capabilities {
			out.Capabilities[k] = struct{}{}
		}
	}
	return out
}

// HasCapability reports whether the snapshot advertises the given interface.
func (s NodeStatus) HasCapability(id InterfaceId) bool {
	_, ok := s.Capabilities[id]
	return ok
}

// AddressableLease is a time-bounded right to route calls for reference to
// nodeId, obtained from the mesh and cached by the Addressable Leaser.
type AddressableLease struct {
	Reference      AddressableReference
	NodeID         NodeId
	LeaseExpiresAt time.Time
	LeaseRenewAt   time.Time
}

// Expired reports whether the lease is no longer usable at instant now.
func (l AddressableLease) Expired(now time.Time) bool {
	return !now.Before(l.LeaseExpiresAt)
}

// DueForRenewal reports whether the lease has crossed its renewal
// threshold at instant now.
func (l AddressableLease) DueForRenewal(now time.Time) bool {
	return !now.Before(l.LeaseRenewAt)
}

// MessageID is a locally-generated identifier, unique within the process
// lifetime, correlating an outbound InvocationRequest with its response.
type MessageID string

// InvocationRequest is an outbound or inbound actor method call in transit.
type InvocationRequest struct {
	MessageID MessageID
	Target    AddressableReference
	Method    string
	Args      []byte
	Deadline  time.Time
}

// InvocationResult carries either a successful payload or a remote error
// back to the caller of an outbound invocation.
type InvocationResult struct {
	Payload []byte
	Err     error
}

// ActivationState is the lifecycle state of a locally-hosted actor instance.
type ActivationState int

const (
	ActivationActivating ActivationState = iota
	ActivationActive
	ActivationDeactivating
	ActivationDeactivated
)

func (s ActivationState) String() string {
	switch s {
	case ActivationActivating:
		return "ACTIVATING"
	case ActivationActive:
		return "ACTIVE"
	case ActivationDeactivating:
		return "DEACTIVATING"
	case ActivationDeactivated:
		return "DEACTIVATED"
	default:
		return "UNKNOWN"
	}
}

// Constructor builds a host actor instance for a newly activating reference.
type Constructor func(ref AddressableReference) (any, error)

// Deactivator is invoked during an activation's teardown; it may perform
// asynchronous cleanup and is given a bounded context by the caller.
type Deactivator func(ref AddressableReference, instance any) error

// MethodDispatch invokes method on instance with decoded args, returning an
// encoded result or an error.
type MethodDispatch func(instance any, method string, args []byte) ([]byte, error)

package meshrt

import "errors"

// Kind tags a MeshError with one of the taxonomy entries from the error
// handling design. Comparisons should use errors.Is against the sentinel
// Kind values below, not string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindTimeout
	KindRemote
	KindJoinRejected
	KindClusterJoinFailed
	KindNodeLeaseRenewalFailed
	KindActivationFailed
	KindActivationGone
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindTimeout:
		return "TimeoutError"
	case KindRemote:
		return "RemoteError"
	case KindJoinRejected:
		return "JoinRejected"
	case KindClusterJoinFailed:
		return "ClusterJoinFailed"
	case KindNodeLeaseRenewalFailed:
		return "NodeLeaseRenewalFailed"
	case KindActivationFailed:
		return "ActivationFailed"
	case KindActivationGone:
		return "ActivationGone"
	case KindSerialization:
		return "SerializationError"
	default:
		return "UnknownError"
	}
}

// ParseKind is the inverse of Kind.String, used to reconstruct a Kind
// from its wire representation (§7: errors round-trip a peer's taxonomy
// instead of collapsing to a generic RemoteError). An unrecognized or
// empty string maps to KindUnknown.
func ParseKind(s string) Kind {
	switch s {
	case "TransportError":
		return KindTransport
	case "TimeoutError":
		return KindTimeout
	case "RemoteError":
		return KindRemote
	case "JoinRejected":
		return KindJoinRejected
	case "ClusterJoinFailed":
		return KindClusterJoinFailed
	case "NodeLeaseRenewalFailed":
		return KindNodeLeaseRenewalFailed
	case "ActivationFailed":
		return KindActivationFailed
	case "ActivationGone":
		return KindActivationGone
	case "SerializationError":
		return KindSerialization
	default:
		return KindUnknown
	}
}

// Error wraps a cause with a Kind from the taxonomy. It implements the
// standard unwrap protocol so errors.Is/errors.As work against both the
// Kind sentinels and the original cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, KindX) work by comparing against the sentinel
// wrapper constructed with New(KindX, "", nil).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs a MeshError of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel returns a comparable zero-message error of kind, for use with
// errors.Is(err, meshrt.Sentinel(meshrt.KindTimeout)).
func Sentinel(kind Kind) error { return &Error{Kind: kind} }

// IsKind reports whether err (or any error it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

var (
	// ErrAlreadyStarted is returned by Orchestrator.Start when called while
	// ClientState is not IDLE (§9 Open Questions: defined as an error).
	ErrAlreadyStarted = errors.New("orchestrator: start called while not idle")
	// ErrNotConnected is returned when an outbound invocation is attempted
	// before the client has reached CONNECTED.
	ErrNotConnected = errors.New("orchestrator: client is not connected")
	// ErrSetupAlreadyDone is returned by a second call to
	// DefinitionDirectory.Setup.
	ErrSetupAlreadyDone = errors.New("capability: setupDefinition already called")
	// ErrUnknownInterface is returned when an activation is requested for
	// an InterfaceId with no registered constructor.
	ErrUnknownInterface = errors.New("capability: unknown interface")
)

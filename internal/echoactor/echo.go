// Package echoactor is a minimal demonstration actor wired into cmd/meshd
// so the daemon has at least one interface to scan, activate, and invoke
// against out of the box. Host applications embedding meshrt supply their
// own capability.Registration list instead of this one.
package echoactor

import (
	"encoding/json"
	"fmt"

	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/meshrt"
)

// Interface is the advertised InterfaceId for this actor.
const Interface meshrt.InterfaceId = "meshrt.echo.v1"

// EchoRequest is the JSON argument bag for the "Echo" method.
type EchoRequest struct {
	Message string `json:"message"`
}

// EchoResponse is the JSON result bag for the "Echo" method.
type EchoResponse struct {
	Message string `json:"message"`
	Calls   int    `json:"calls"`
}

// actor holds per-activation state: the number of times Echo has been
// called against this particular AddressableReference.
type actor struct {
	ref   meshrt.AddressableReference
	calls int
}

// New is the meshrt.Constructor for Interface.
func New(ref meshrt.AddressableReference) (any, error) {
	return &actor{ref: ref}, nil
}

// Deactivate is the meshrt.Deactivator for Interface; it has nothing to
// flush since actor state is purely in-memory.
func Deactivate(ref meshrt.AddressableReference, instance any) error {
	return nil
}

// Dispatch is the meshrt.MethodDispatch for Interface.
func Dispatch(instance any, method string, args []byte) ([]byte, error) {
	a, ok := instance.(*actor)
	if !ok {
		return nil, fmt.Errorf("echoactor: unexpected instance type %T", instance)
	}
	switch method {
	case "Echo":
		var req EchoRequest
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("echoactor: decode args: %w", err)
			}
		}
		a.calls++
		return json.Marshal(EchoResponse{Message: req.Message, Calls: a.calls})
	default:
		return nil, fmt.Errorf("echoactor: unknown method %q", method)
	}
}

// Registration returns the capability.Registration for this actor, ready
// to pass to capability.NewScanner.
func Registration() capability.Registration {
	return capability.Registration{
		Interface: Interface,
		New:       New,
		Dispatch:  Dispatch,
	}
}

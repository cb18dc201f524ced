// Package node implements the Local Node (§4.1): the sole mutation point
// for node-level state. All writes go through Manipulate, which is
// serialized behind a mutex; readers always observe a consistent snapshot
// taken atomically with respect to a mutation.
package node

import (
	"sync"

	"github.com/oriys/meshrt/internal/meshrt"
)

// Transform is a pure function over NodeStatus. It must not block or call
// back into Node; Manipulate holds the node's lock for its duration.
type Transform func(meshrt.NodeStatus) meshrt.NodeStatus

// Node holds the single authoritative NodeStatus for this process.
type Node struct {
	mu     sync.Mutex
	status meshrt.NodeStatus
}

// New returns a Node in its initial IDLE state.
func New() *Node {
	return &Node{
		status: meshrt.NodeStatus{
			Capabilities: make(map[meshrt.InterfaceId]struct{}),
			ClientState:  meshrt.StateIdle,
		},
	}
}

// Snapshot returns an immutable copy of the current NodeStatus.
func (n *Node) Snapshot() meshrt.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status.Clone()
}

// Manipulate serializes f against all other mutations and readers that
// race with it, replacing the status with f's result.
func (n *Node) Manipulate(f Transform) meshrt.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = f(n.status.Clone())
	return n.status.Clone()
}

// Reset returns the node to IDLE with no capabilities and no nodeInfo, per
// §4.1.
func (n *Node) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = meshrt.NodeStatus{
		Capabilities: make(map[meshrt.InterfaceId]struct{}),
		ClientState:  meshrt.StateIdle,
	}
}

// State is a convenience accessor for the ClientState alone.
func (n *Node) State() meshrt.ClientState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status.ClientState
}

// TransitionTo sets ClientState unconditionally. Callers that need a
// guarded transition (e.g. "only from IDLE") should use Manipulate and
// check the incoming state themselves.
func (n *Node) TransitionTo(state meshrt.ClientState) {
	n.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
		s.ClientState = state
		return s
	})
}

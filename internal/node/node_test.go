package node

import (
	"testing"
	"time"

	"github.com/oriys/meshrt/internal/meshrt"
)

func TestNewStartsIdleWithEmptyCapabilities(t *testing.T) {
	n := New()

	snap := n.Snapshot()
	if snap.ClientState != meshrt.StateIdle {
		t.Fatalf("expected IDLE, got %v", snap.ClientState)
	}
	if snap.NodeInfo != nil {
		t.Fatal("expected nil NodeInfo on a fresh node")
	}
	if len(snap.Capabilities) != 0 {
		t.Fatalf("expected empty capabilities, got %d", len(snap.Capabilities))
	}
}

func TestManipulateReturnsMutatedSnapshot(t *testing.T) {
	n := New()

	out := n.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
		s.ClientState = meshrt.StateConnecting
		s.Capabilities["meshrt.echo.v1"] = struct{}{}
		return s
	})

	if out.ClientState != meshrt.StateConnecting {
		t.Fatalf("expected CONNECTING in returned snapshot, got %v", out.ClientState)
	}
	if !out.HasCapability("meshrt.echo.v1") {
		t.Fatal("expected capability to appear in returned snapshot")
	}
	if n.State() != meshrt.StateConnecting {
		t.Fatalf("expected node's own state to have been mutated, got %v", n.State())
	}
}

func TestManipulateCloneIsolatesCallerFromInternalState(t *testing.T) {
	n := New()
	n.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
		s.Capabilities["meshrt.echo.v1"] = struct{}{}
		return s
	})

	snap := n.Snapshot()
	snap.Capabilities["meshrt.intruder.v1"] = struct{}{}

	if n.Snapshot().HasCapability("meshrt.intruder.v1") {
		t.Fatal("mutating a returned snapshot must not affect the node's internal state")
	}
}

func TestResetReturnsToIdleAndClearsState(t *testing.T) {
	n := New()
	n.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
		s.ClientState = meshrt.StateConnected
		s.NodeInfo = &meshrt.NodeInfo{ID: "node-1", LeaseExpiresAt: time.Now().Add(time.Minute)}
		s.Capabilities["meshrt.echo.v1"] = struct{}{}
		return s
	})

	n.Reset()

	snap := n.Snapshot()
	if snap.ClientState != meshrt.StateIdle {
		t.Fatalf("expected IDLE after reset, got %v", snap.ClientState)
	}
	if snap.NodeInfo != nil {
		t.Fatal("expected nil NodeInfo after reset")
	}
	if len(snap.Capabilities) != 0 {
		t.Fatalf("expected no capabilities after reset, got %d", len(snap.Capabilities))
	}
}

func TestStateIsConvenienceAccessor(t *testing.T) {
	n := New()
	if n.State() != meshrt.StateIdle {
		t.Fatalf("expected IDLE, got %v", n.State())
	}
	n.TransitionTo(meshrt.StateStopping)
	if n.State() != meshrt.StateStopping {
		t.Fatalf("expected STOPPING, got %v", n.State())
	}
}

func TestTransitionToSetsStateUnconditionally(t *testing.T) {
	n := New()

	n.TransitionTo(meshrt.StateConnected)
	if n.State() != meshrt.StateConnected {
		t.Fatalf("expected CONNECTED, got %v", n.State())
	}

	// TransitionTo performs no guarding; a caller can move straight to
	// STOPPED from CONNECTED without passing through STOPPING.
	n.TransitionTo(meshrt.StateStopped)
	if n.State() != meshrt.StateStopped {
		t.Fatalf("expected STOPPED, got %v", n.State())
	}
}

package echoactor

import (
	"encoding/json"
	"testing"

	"github.com/oriys/meshrt/internal/meshrt"
)

func TestEchoIncrementsPerActivationCallCount(t *testing.T) {
	ref := meshrt.AddressableReference{Interface: Interface, Key: "actor-1"}
	instance, err := New(ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	args, _ := json.Marshal(EchoRequest{Message: "hi"})

	out, err := Dispatch(instance, "Echo", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp EchoResponse
	json.Unmarshal(out, &resp)
	if resp.Message != "hi" || resp.Calls != 1 {
		t.Fatalf("expected {hi 1}, got %+v", resp)
	}

	out, _ = Dispatch(instance, "Echo", args)
	json.Unmarshal(out, &resp)
	if resp.Calls != 2 {
		t.Fatalf("expected call count to persist across invocations on the same instance, got %d", resp.Calls)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	ref := meshrt.AddressableReference{Interface: Interface, Key: "actor-1"}
	instance, _ := New(ref)

	if _, err := Dispatch(instance, "Bogus", nil); err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestDispatchWrongInstanceType(t *testing.T) {
	if _, err := Dispatch(struct{}{}, "Echo", nil); err == nil {
		t.Fatal("expected an error when the instance is not *actor")
	}
}

func TestDispatchMalformedArgs(t *testing.T) {
	ref := meshrt.AddressableReference{Interface: Interface, Key: "actor-1"}
	instance, _ := New(ref)

	if _, err := Dispatch(instance, "Echo", []byte("not json")); err == nil {
		t.Fatal("expected an error for malformed JSON args")
	}
}

func TestRegistrationWiresConstructorAndDispatch(t *testing.T) {
	reg := Registration()
	if reg.Interface != Interface {
		t.Fatalf("expected Interface %q, got %q", Interface, reg.Interface)
	}
	if reg.New == nil || reg.Dispatch == nil {
		t.Fatal("expected Registration to carry both constructor and dispatch")
	}
}

func TestDeactivateIsNoop(t *testing.T) {
	ref := meshrt.AddressableReference{Interface: Interface, Key: "actor-1"}
	instance, _ := New(ref)
	if err := Deactivate(ref, instance); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

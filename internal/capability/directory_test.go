package capability

import (
	"errors"
	"testing"

	"github.com/oriys/meshrt/internal/meshrt"
)

func okRegistration(id meshrt.InterfaceId) Registration {
	return Registration{
		Interface: id,
		New:       func(ref meshrt.AddressableReference) (any, error) { return struct{}{}, nil },
		Dispatch: func(instance any, method string, args []byte) ([]byte, error) {
			return args, nil
		},
	}
}

func TestScanCollectsCapabilitiesAndRegistrations(t *testing.T) {
	s := NewScanner(okRegistration("meshrt.echo.v1"), okRegistration("meshrt.counter.v1"))

	caps, regs, err := s.Scan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	if _, ok := caps["meshrt.echo.v1"]; !ok {
		t.Fatal("expected meshrt.echo.v1 in scanned capabilities")
	}
	if len(regs) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(regs))
	}
}

func TestScanFailsWhenAConstructorProbeErrors(t *testing.T) {
	bad := Registration{
		Interface: "meshrt.broken.v1",
		New: func(ref meshrt.AddressableReference) (any, error) {
			return nil, errors.New("boom")
		},
	}
	s := NewScanner(okRegistration("meshrt.echo.v1"), bad)

	_, _, err := s.Scan()
	if err == nil {
		t.Fatal("expected Scan to fail when a constructor probe errors")
	}
}

func TestDirectorySetupIsSingleShot(t *testing.T) {
	d := NewDirectory()
	caps := map[meshrt.InterfaceId]struct{}{"meshrt.echo.v1": {}}
	regs := []Registration{okRegistration("meshrt.echo.v1")}

	if err := d.Setup(caps, regs); err != nil {
		t.Fatalf("first Setup should succeed: %v", err)
	}
	if err := d.Setup(caps, regs); !errors.Is(err, meshrt.ErrSetupAlreadyDone) {
		t.Fatalf("expected ErrSetupAlreadyDone on second Setup, got %v", err)
	}
}

func TestDirectoryLookupUnknownInterface(t *testing.T) {
	d := NewDirectory()
	if err := d.Setup(nil, nil); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	_, err := d.Lookup("meshrt.missing.v1")
	if !errors.Is(err, meshrt.ErrUnknownInterface) {
		t.Fatalf("expected ErrUnknownInterface, got %v", err)
	}
}

func TestDirectoryLookupReturnsRegistration(t *testing.T) {
	d := NewDirectory()
	reg := okRegistration("meshrt.echo.v1")
	if err := d.Setup(map[meshrt.InterfaceId]struct{}{"meshrt.echo.v1": {}}, []Registration{reg}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	got, err := d.Lookup("meshrt.echo.v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Interface != "meshrt.echo.v1" {
		t.Fatalf("expected lookup to return the registered interface, got %v", got.Interface)
	}
}

func TestGenerateCapabilitiesReturnsIndependentCopy(t *testing.T) {
	d := NewDirectory()
	caps := map[meshrt.InterfaceId]struct{}{"meshrt.echo.v1": {}}
	if err := d.Setup(caps, nil); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	out := d.GenerateCapabilities()
	out["meshrt.intruder.v1"] = struct{}{}

	if _, ok := d.GenerateCapabilities()["meshrt.intruder.v1"]; ok {
		t.Fatal("mutating the returned map must not affect the directory's internal state")
	}
}

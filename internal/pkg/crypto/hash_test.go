package crypto

import "testing"

func TestHashStringIsDeterministicAndFixedLength(t *testing.T) {
	a := HashString("meshrt.echo.v1/actor-1")
	b := HashString("meshrt.echo.v1/actor-1")
	if a != b {
		t.Fatalf("expected HashString to be deterministic, got %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected a 16-character digest, got %d chars (%q)", len(a), a)
	}
}

func TestHashStringDiffersForDifferentInputs(t *testing.T) {
	a := HashString("actor-1")
	b := HashString("actor-2")
	if a == b {
		t.Fatal("expected distinct inputs to produce distinct hashes")
	}
}

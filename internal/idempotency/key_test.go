package idempotency

import "testing"

func TestDeriveKeyIsCanonical(t *testing.T) {
	a := DeriveKey([]byte(`{"identifier":"ABC1234","extra":1}`))
	b := DeriveKey([]byte(`{ "extra": 1, "identifier": "ABC1234" }`))
	if a != b {
		t.Fatalf("expected equal keys for equivalent json: %s %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 chars, got %d", len(a))
	}
}

func TestDeriveKeyFallsBackToRandom(t *testing.T) {
	for _, in := range []string{"", "   ", "{not json"} {
		a, b := DeriveKey([]byte(in)), DeriveKey([]byte(in))
		if a == b {
			t.Fatalf("input %q: expected distinct random keys", in)
		}
		if len(a) != 32 {
			t.Fatalf("input %q: expected 32 chars, got %d", in, len(a))
		}
	}
}

func TestKeyForIdentifierNormalizesCase(t *testing.T) {
	if KeyForIdentifier("abc1234 ") != KeyForIdentifier("ABC1234") {
		t.Fatalf("expected case/whitespace-insensitive key")
	}
	if KeyForIdentifier("ABC1234") == KeyForIdentifier("ABC1235") {
		t.Fatalf("different identifiers must not collide")
	}
	if KeyForIdentifier("") == KeyForIdentifier("") {
		t.Fatalf("blank identifier must get a random key")
	}
}

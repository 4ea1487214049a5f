package chunkid

import "testing"

func TestStringRoundTrip(t *testing.T) {
	id := ID{0xAA, 0xBB, 0xCC}
	s := id.String()
	back, err := FromHex(s)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if back != id {
		t.Errorf("got %v, want %v", back, id)
	}
}

func TestIsZero(t *testing.T) {
	if !Manifest.IsZero() {
		t.Error("expected Manifest sentinel to be zero")
	}
	id := ID{1}
	if id.IsZero() {
		t.Error("expected non-zero id")
	}
}

func TestFromHexInvalidLength(t *testing.T) {
	if _, err := FromHex("abcd"); err == nil {
		t.Error("expected error for short hex string")
	}
}

func TestFromBytes(t *testing.T) {
	b := make([]byte, Size)
	b[0] = 0x42
	id, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if id[0] != 0x42 {
		t.Errorf("got %v", id)
	}

	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for wrong-length slice")
	}
}

package store

import (
	"bytes"
	"testing"
)

func TestDeltaRoundTrip(t *testing.T) {
	cases := []struct {
		basis, target []byte
	}{
		{[]byte("hello world"), []byte("hello there world")},
		{[]byte(""), []byte("all new")},
		{[]byte("same"), []byte("same")},
		{[]byte("prefix-common-suffix"), []byte("prefix-DIFFERENT-suffix")},
	}
	for _, c := range cases {
		patch := DeltaEncode(c.basis, c.target)
		got, err := DeltaApply(c.basis, patch)
		if err != nil {
			t.Fatalf("DeltaApply: %v", err)
		}
		if !bytes.Equal(got, c.target) {
			t.Fatalf("round trip mismatch: got %q, want %q", got, c.target)
		}
	}
}

func TestDeltaApplyRejectsOutOfBounds(t *testing.T) {
	bad := appendCopy(nil, 1000, 10)
	if _, err := DeltaApply([]byte("short"), bad); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}
}

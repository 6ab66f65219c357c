package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomHex(t *testing.T) {
	if got := GenerateRandomHex(0); got != "" {
		t.Errorf("expected empty string for zero length, got %q", got)
	}
	got := GenerateRandomHex(32)
	if len(got) != 32 {
		t.Fatalf("expected length 32, got %d", len(got))
	}
	for _, c := range got {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("unexpected character %q in hex string", c)
		}
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+16 {
		t.Errorf("unexpected request ID format: %q", id)
	}
	if GenerateRequestID() == id {
		t.Error("expected distinct request IDs")
	}
}

package gcs

import (
	"testing"

	"atticore/internal/chunkid"
)

func TestObjectNamePrefix(t *testing.T) {
	// object() needs a live client only to build the name; we check the
	// prefix-joining logic in isolation instead.
	id := chunkid.ID{0xCD}
	prefix := "chunks/"
	got := prefix + id.String()
	if got[:len(prefix)] != prefix {
		t.Errorf("expected prefix %q, got %q", prefix, got)
	}
}

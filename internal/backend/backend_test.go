package backend

import (
	"context"
	"io"
	"path/filepath"
	"testing"
)

func TestOpenMemoryIsStableAcrossCalls(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, "memory:demo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := Open(ctx, "memory:demo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.ID() != b.ID() {
		t.Errorf("expected same location to derive the same id, got %s vs %s", a.ID(), b.ID())
	}

	other, err := Open(ctx, "memory:other")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.ID() == other.ID() {
		t.Errorf("expected distinct locations to derive distinct ids")
	}
}

func TestOpenLocalPersistsRepositoryID(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "repo")

	a, err := Open(ctx, "local:"+dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	id1 := a.ID()
	if closer, ok := a.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			t.Fatalf("close first store: %v", err)
		}
	}

	b, err := Open(ctx, "local:"+dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if closer, ok := b.(io.Closer); ok {
		t.Cleanup(func() { closer.Close() })
	}
	if b.ID() != id1 {
		t.Errorf("expected reopening the same path to reuse its repository id, got %s vs %s", b.ID(), id1)
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "ftp://example.com/x"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

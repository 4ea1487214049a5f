package archive

import (
	"testing"

	"atticore/internal/item"
)

func TestItemCacheAddGetRoundTrip(t *testing.T) {
	c, err := NewItemCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewItemCache: %v", err)
	}
	defer c.Close()

	it := item.Item{Path: "a/b.txt", Mode: 0o100644, Kind: item.KindRegularFile}
	h1, err := c.Add(it)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h1 < BaseOffset {
		t.Fatalf("expected handle >= BaseOffset, got %d", h1)
	}

	it2 := item.Item{Path: "c/d.txt", Mode: 0o100644, Kind: item.KindRegularFile}
	h2, err := c.Add(it2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct handles")
	}

	got1, err := c.Get(h1)
	if err != nil {
		t.Fatalf("Get h1: %v", err)
	}
	if got1.Path != it.Path {
		t.Errorf("got path %q, want %q", got1.Path, it.Path)
	}

	got2, err := c.Get(h2)
	if err != nil {
		t.Fatalf("Get h2: %v", err)
	}
	if got2.Path != it2.Path {
		t.Errorf("got path %q, want %q", got2.Path, it2.Path)
	}
}

func TestItemCacheRejectsHandleBelowBaseOffset(t *testing.T) {
	c, err := NewItemCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewItemCache: %v", err)
	}
	defer c.Close()

	if _, err := c.Get(1); err == nil {
		t.Fatal("expected error for handle below BaseOffset")
	}
}

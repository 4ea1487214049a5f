package archive

import (
	"testing"

	"atticore/internal/manifest"
)

func TestBFSLess(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{[]string{"a"}, []string{"a", "b"}, true},
		{[]string{"a", "b"}, []string{"a"}, false},
		{[]string{"a"}, []string{"b"}, true},
		{[]string{"b"}, []string{"a"}, false},
		{[]string{"a"}, []string{"a"}, false},
	}
	for _, c := range cases {
		if got := BFSLess(c.a, c.b); got != c.want {
			t.Errorf("BFSLess(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestLookupWindowPicksTightestPrefix(t *testing.T) {
	idx := &manifest.MetadataIndex{Entries: []manifest.IndexEntry{
		{Segments: []string{"a"}, ChunkIndex: 0},
		{Segments: []string{"a", "b"}, ChunkIndex: 1},
	}}
	got, ok := LookupWindow(idx, []string{"a", "b", "c"})
	if !ok || got.ChunkIndex != 1 {
		t.Fatalf("got %+v ok=%v, want chunk_index=1", got, ok)
	}
}

func TestLookupWindowNoMatch(t *testing.T) {
	idx := &manifest.MetadataIndex{Entries: []manifest.IndexEntry{
		{Segments: []string{"a"}, ChunkIndex: 0},
	}}
	if _, ok := LookupWindow(idx, []string{"z"}); ok {
		t.Fatal("expected no match")
	}
}

func TestLookupManyStopsAfterSubtree(t *testing.T) {
	// a/b/c and a/d/e: opendir("/a") must see both a/b and a/d windows.
	idx := &manifest.MetadataIndex{Entries: []manifest.IndexEntry{
		{Segments: []string{"a", "b"}, ChunkIndex: 0},
		{Segments: []string{"a", "d"}, ChunkIndex: 1},
		{Segments: []string{"z"}, ChunkIndex: 2},
	}}
	got := LookupMany(idx, []string{"a"})
	if len(got) != 2 || got[0].ChunkIndex != 0 || got[1].ChunkIndex != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestLookupManyEmptyWhenNoneMatch(t *testing.T) {
	idx := &manifest.MetadataIndex{Entries: []manifest.IndexEntry{
		{Segments: []string{"z"}, ChunkIndex: 0},
	}}
	if got := LookupMany(idx, []string{"a"}); len(got) != 0 {
		t.Fatalf("got %+v, want empty", got)
	}
}

package manifest

import (
	"context"
	"testing"

	"atticore/internal/key"
	"atticore/internal/repository/memory"
)

func TestFetchEmptyRepositoryReturnsEmptyManifest(t *testing.T) {
	repo := memory.New(idOf(9))
	k := key.NewChaChaKey(make([]byte, 32))

	m, err := Fetch(context.Background(), repo, k)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Version != 1 || len(m.Archives) != 0 {
		t.Fatalf("got %+v", m)
	}
}

func TestStoreFetchRoundTrip(t *testing.T) {
	repo := memory.New(idOf(9))
	k := key.NewChaChaKey(make([]byte, 32))

	want := Manifest{
		Version:   1,
		Archives:  map[string]ArchiveRef{"daily-2024-01-01": {ID: idOf(1), Timestamp: "2024-01-01T00:00:00"}},
		Timestamp: "2024-01-01T00:00:00",
	}
	if err := Store(context.Background(), repo, k, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := Fetch(context.Background(), repo, k)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Timestamp != want.Timestamp || len(got.Archives) != 1 {
		t.Fatalf("got %+v", got)
	}
}

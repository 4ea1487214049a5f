package chunkindex

import (
	"path/filepath"
	"testing"

	"atticore/internal/chunkid"
)

func idOf(b byte) chunkid.ID {
	var id chunkid.ID
	id[0] = b
	return id
}

func TestSetGet(t *testing.T) {
	idx := New()
	id := idOf(0xAA)
	idx.Set(id, Entry{Refcount: 1, Size: 5, CSize: 21})

	e, ok := idx.Get(id)
	if !ok {
		t.Fatal("expected entry present")
	}
	if e != (Entry{Refcount: 1, Size: 5, CSize: 21}) {
		t.Errorf("got %+v", e)
	}
	if idx.Len() != 1 {
		t.Errorf("expected len 1, got %d", idx.Len())
	}
}

func TestAddIncrefDecref(t *testing.T) {
	idx := New()
	id := idOf(0xAA)

	idx.Add(id, 5, 21)
	e, _ := idx.Get(id)
	if e.Refcount != 1 {
		t.Fatalf("expected refcount 1, got %d", e.Refcount)
	}

	idx.Add(id, 5, 21)
	e, _ = idx.Get(id)
	if e.Refcount != 2 {
		t.Fatalf("expected refcount 2, got %d", e.Refcount)
	}

	prev, erased, err := idx.Decref(id)
	if err != nil {
		t.Fatalf("Decref: %v", err)
	}
	if erased {
		t.Fatal("did not expect erasure on first decref")
	}
	if prev.Refcount != 2 {
		t.Errorf("expected previous refcount 2, got %d", prev.Refcount)
	}

	_, erased, err = idx.Decref(id)
	if err != nil {
		t.Fatalf("Decref: %v", err)
	}
	if !erased {
		t.Fatal("expected erasure on second decref")
	}
	if _, ok := idx.Get(id); ok {
		t.Fatal("expected entry gone after second decref")
	}
}

func TestDecrefNotFound(t *testing.T) {
	idx := New()
	if _, _, err := idx.Decref(idOf(0x01)); err == nil {
		t.Error("expected error decref-ing missing id")
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	idx := New()
	id := idOf(0x01)
	idx.Set(id, Entry{Refcount: 1})
	idx.Remove(id)
	if _, ok := idx.Get(id); ok {
		t.Fatal("expected removed entry to be gone")
	}
	idx.Set(id, Entry{Refcount: 3})
	e, ok := idx.Get(id)
	if !ok || e.Refcount != 3 {
		t.Fatalf("expected re-inserted entry with refcount 3, got %+v ok=%v", e, ok)
	}
}

func TestGrowPreservesEntries(t *testing.T) {
	idx := New()
	const n = 200
	for i := 0; i < n; i++ {
		idx.Set(idOf(byte(i%256)), Entry{Refcount: uint32(i + 1)})
	}
	// Overlapping byte values collapse identical ids; verify a sample survives.
	if e, ok := idx.Get(idOf(5)); !ok || e.Refcount == 0 {
		t.Fatalf("expected entry for id 5 to survive growth, got %+v ok=%v", e, ok)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	idx := New()
	for i := byte(0); i < 20; i++ {
		idx.Set(idOf(i), Entry{Refcount: uint32(i) + 1, Size: uint32(i) * 10, CSize: uint32(i)*10 + 4})
	}

	path := filepath.Join(t.TempDir(), "chunks")
	if err := idx.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Len() != idx.Len() {
		t.Fatalf("expected len %d, got %d", idx.Len(), got.Len())
	}
	for i := byte(0); i < 20; i++ {
		want, _ := idx.Get(idOf(i))
		gotEntry, ok := got.Get(idOf(i))
		if !ok {
			t.Fatalf("missing entry for id %d after round trip", i)
		}
		if gotEntry != want {
			t.Errorf("id %d: got %+v, want %+v", i, gotEntry, want)
		}
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	idx, err := Read(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("expected empty index, got len %d", idx.Len())
	}
}

func TestClear(t *testing.T) {
	idx := New()
	idx.Set(idOf(1), Entry{Refcount: 1})
	idx.Clear()
	if idx.Len() != 0 {
		t.Errorf("expected len 0 after Clear, got %d", idx.Len())
	}
	if _, ok := idx.Get(idOf(1)); ok {
		t.Error("expected entry gone after Clear")
	}
}

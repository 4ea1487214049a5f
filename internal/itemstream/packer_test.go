package itemstream

import (
	"testing"

	"atticore/internal/chunkid"
	"atticore/internal/item"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	want := item.Item{
		Path:    "a/b/c.txt",
		Mode:    0o100644,
		UID:     1000,
		GID:     1000,
		MTimeNS: 1700000000000000000,
		Kind:    item.KindRegularFile,
		Chunks:  []item.ChunkRef{{ID: chunkid.ID{1, 2, 3}, Size: 4096, CSize: 4100}},
	}

	data, err := Pack(want)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	u := New(nil)
	u.Feed(data)
	unit, ok := u.Next()
	if !ok || !unit.IsItem {
		t.Fatalf("expected a decoded item, got ok=%v unit=%+v", ok, unit)
	}
	if unit.Item.Path != want.Path || unit.Item.Kind != want.Kind {
		t.Fatalf("got %+v", unit.Item)
	}
	if len(unit.Item.Chunks) != 1 || unit.Item.Chunks[0].ID != want.Chunks[0].ID {
		t.Fatalf("got chunks %+v", unit.Item.Chunks)
	}
}

func TestPackConcatenatedStream(t *testing.T) {
	items := []item.Item{
		{Path: "foo", Kind: item.KindDirectory},
		{Path: "bar", Kind: item.KindDirectory},
		{Path: "baz", Kind: item.KindDirectory},
	}

	var stream []byte
	for _, it := range items {
		data, err := Pack(it)
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		stream = append(stream, data...)
	}

	u := New(nil)
	u.Feed(stream)
	var got []string
	for {
		unit, ok := u.Next()
		if !ok {
			break
		}
		if !unit.IsItem {
			t.Fatalf("unexpected raw byte %d", unit.Byte)
		}
		got = append(got, unit.Item.Path)
	}
	if len(got) != 3 || got[0] != "foo" || got[1] != "bar" || got[2] != "baz" {
		t.Fatalf("got %v", got)
	}
}

package azureblob

import (
	"testing"

	"atticore/internal/chunkid"
)

func TestBlobNamePrefix(t *testing.T) {
	s := &Store{prefix: "chunks/"}
	id := chunkid.ID{0xEF}
	got := s.blobName(id)
	want := "chunks/" + id.String()
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

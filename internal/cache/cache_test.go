package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"atticore/internal/cachedir"
	"atticore/internal/chunkid"
	"atticore/internal/filescache"
	"atticore/internal/item"
	"atticore/internal/key"
	"atticore/internal/manifest"
	"atticore/internal/repository/memory"
)

func testDirs(t *testing.T) cachedir.Dirs {
	t.Helper()
	root := t.TempDir()
	return cachedir.New(filepath.Join(root, "cache"), filepath.Join(root, "keys"))
}

func testKey(t *testing.T) key.Key {
	t.Helper()
	return key.NewChaChaKey(bytes.Repeat([]byte{0x42}, 32))
}

func packItem(t *testing.T, it item.Item) []byte {
	t.Helper()
	data, err := msgpack.Marshal(it.ToMap())
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	return data
}

func TestSyncEmptyRepositoryIsNoop(t *testing.T) {
	dirs := testDirs(t)
	repo := memory.New(chunkid.ID{0x01})
	k := testKey(t)

	c, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	mf := manifest.Manifest{Version: 1, Archives: map[string]manifest.ArchiveRef{}, Timestamp: "2024-01-01T00:00:00"}
	if err := c.Sync(context.Background(), mf); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if c.chunks.Len() != 0 {
		t.Fatalf("expected empty chunk index, got %d entries", c.chunks.Len())
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSyncReplaysArchiveChunks(t *testing.T) {
	dirs := testDirs(t)
	repo := memory.New(chunkid.ID{0x01})
	k := testKey(t)
	ctx := context.Background()

	dataID := k.IDHash([]byte("file contents"))
	cipher, err := k.Encrypt([]byte("file contents"))
	if err != nil {
		t.Fatalf("encrypt data chunk: %v", err)
	}
	if err := repo.Put(ctx, dataID, cipher, true); err != nil {
		t.Fatalf("put data chunk: %v", err)
	}

	it := item.Item{
		Path:    "/a/file.txt",
		Mode:    0o100644,
		Kind:    item.KindRegularFile,
		Chunks:  []item.ChunkRef{{ID: dataID, Size: uint32(len("file contents")), CSize: uint32(len(cipher))}},
	}
	itemBytes := packItem(t, it)
	itemChunkID := k.IDHash(itemBytes)
	itemCipher, err := k.Encrypt(itemBytes)
	if err != nil {
		t.Fatalf("encrypt item chunk: %v", err)
	}
	if err := repo.Put(ctx, itemChunkID, itemCipher, true); err != nil {
		t.Fatalf("put item chunk: %v", err)
	}

	root := manifest.RootMeta{Version: 1, Name: "daily-1", Items: []chunkid.ID{itemChunkID}}
	rootBytes, err := manifest.EncodeRootMeta(root)
	if err != nil {
		t.Fatalf("encode root: %v", err)
	}
	rootID := k.IDHash(rootBytes)
	rootCipher, err := k.Encrypt(rootBytes)
	if err != nil {
		t.Fatalf("encrypt root: %v", err)
	}
	if err := repo.Put(ctx, rootID, rootCipher, true); err != nil {
		t.Fatalf("put root: %v", err)
	}

	c, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	mf := manifest.Manifest{
		Version:   1,
		Archives:  map[string]manifest.ArchiveRef{"daily-1": {ID: rootID, Timestamp: "2024-01-01T00:00:00"}},
		Timestamp: "2024-01-01T00:00:00",
	}
	if err := c.Sync(ctx, mf); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if !c.SeenChunk(dataID) {
		t.Error("expected data chunk present after sync")
	}
	if !c.SeenChunk(itemChunkID) {
		t.Error("expected item metadata chunk present after sync")
	}
	e, ok := c.chunks.Get(dataID)
	if !ok || e.Refcount != 1 {
		t.Errorf("expected data chunk refcount 1, got %+v ok=%v", e, ok)
	}

	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSyncRecordsManifestContentHashNotSentinel(t *testing.T) {
	dirs := testDirs(t)
	repo := memory.New(chunkid.ID{0x01})
	k := testKey(t)
	ctx := context.Background()

	c, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	mf := manifest.Manifest{Version: 1, Archives: map[string]manifest.ArchiveRef{}, Timestamp: "2024-01-01T00:00:00"}
	encoded, err := mf.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	mf.ID = k.IDHash(encoded)

	if err := c.Sync(ctx, mf); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if c.cfg.ManifestID != mf.ID.String() {
		t.Fatalf("expected cfg.ManifestID %q (manifest's own content hash), got %q", mf.ID.String(), c.cfg.ManifestID)
	}
	if c.cfg.ManifestID == chunkid.Manifest.String() {
		t.Fatal("cfg.ManifestID must not be the all-zero sentinel id")
	}
}

func TestSyncRejectsOlderManifestTimestamp(t *testing.T) {
	dirs := testDirs(t)
	repo := memory.New(chunkid.ID{0x01})
	k := testKey(t)
	ctx := context.Background()

	c, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	first := manifest.Manifest{Version: 1, Archives: map[string]manifest.ArchiveRef{}, Timestamp: "2024-06-01T00:00:00"}
	if err := c.Sync(ctx, first); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stale := manifest.Manifest{Version: 1, Archives: map[string]manifest.ArchiveRef{}, Timestamp: "2024-01-01T00:00:00"}
	err = c.Sync(ctx, stale)
	if err == nil {
		t.Fatal("expected error for stale manifest timestamp")
	}
}

func TestChunkIncrefDecrefLifecycle(t *testing.T) {
	dirs := testDirs(t)
	repo := memory.New(chunkid.ID{0x01})
	k := testKey(t)

	c, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	id := chunkid.ID{0xAA}
	c.AddChunk(id, 100, 90)
	if err := c.ChunkIncref(id); err != nil {
		t.Fatalf("Incref: %v", err)
	}
	e, ok := c.chunks.Get(id)
	if !ok || e.Refcount != 2 {
		t.Fatalf("expected refcount 2, got %+v ok=%v", e, ok)
	}

	erased, err := c.ChunkDecref(id)
	if err != nil {
		t.Fatalf("Decref: %v", err)
	}
	if erased {
		t.Fatal("expected entry to survive first decref")
	}
	erased, err = c.ChunkDecref(id)
	if err != nil {
		t.Fatalf("second Decref: %v", err)
	}
	if !erased {
		t.Fatal("expected entry erased on reaching refcount 0")
	}
	if c.SeenChunk(id) {
		t.Fatal("expected chunk gone from index")
	}
}

func TestFileCacheRoundTripAcrossCommit(t *testing.T) {
	dirs := testDirs(t)
	repo := memory.New(chunkid.ID{0x01})
	k := testKey(t)

	var pathHash filescache.PathHash
	pathHash[0] = 0x7

	c, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stat := filescache.Stat{Inode: 1, Size: 10, MTimeNS: 1000}
	c.MemorizeFile(pathHash, stat, []chunkid.ID{{0x1}})
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	ids, ok := c2.LookupFile(pathHash, stat)
	if !ok || len(ids) != 1 || ids[0] != (chunkid.ID{0x1}) {
		t.Fatalf("expected memorized entry to survive commit+reopen, got %v ok=%v", ids, ok)
	}
}

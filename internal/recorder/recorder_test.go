package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"atticore/internal/cache"
	"atticore/internal/cachedir"
	"atticore/internal/chunkid"
	"atticore/internal/itemstream"
	"atticore/internal/key"
	"atticore/internal/manifest"
	"atticore/internal/repository/memory"
)

func idOf(b byte) chunkid.ID {
	var id chunkid.ID
	id[0] = b
	return id
}

func newTestCache(t *testing.T, repoID chunkid.ID) *cache.Cache {
	t.Helper()
	dirs := cachedir.New(t.TempDir(), t.TempDir())
	repo := memory.New(repoID)
	k := key.NewChaChaKey(make([]byte, 32))
	c, err := cache.Open(dirs, repo, k, nil)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeTree(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
}

func TestRecordProducesResolvableArchive(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root)

	repoID := idOf(1)
	repo := memory.New(repoID)
	k := key.NewChaChaKey(make([]byte, 32))
	c := newTestCache(t, repoID)

	rec := New(c, repo, k, nil, 1<<16, nil)
	ref, stats, err := rec.Record(ctx, root, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stats.Files != 2 {
		t.Errorf("expected 2 files, got %d", stats.Files)
	}
	if stats.Symlinks != 1 {
		t.Errorf("expected 1 symlink, got %d", stats.Symlinks)
	}
	// a.txt and sub/b.txt have identical content, so the second file's
	// chunks should all be reused rather than stored anew.
	if stats.ReusedChunks == 0 {
		t.Errorf("expected at least one reused chunk from duplicate content")
	}

	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rootCipher, err := repo.Get(ctx, ref.ID)
	if err != nil {
		t.Fatalf("fetch root: %v", err)
	}
	rootPlain, err := k.Decrypt(ref.ID, rootCipher)
	if err != nil {
		t.Fatalf("decrypt root: %v", err)
	}
	root2, err := manifest.DecodeRootMeta(rootPlain)
	if err != nil {
		t.Fatalf("decode root: %v", err)
	}
	if root2.Version != 1 {
		t.Fatalf("expected version 1 root, got %d", root2.Version)
	}

	var plains [][]byte
	for _, id := range root2.Items {
		cipher, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("fetch item chunk %s: %v", id, err)
		}
		plain, err := k.Decrypt(id, cipher)
		if err != nil {
			t.Fatalf("decrypt item chunk %s: %v", id, err)
		}
		plains = append(plains, plain)
	}

	up := itemstream.New(itemstream.DefaultValidator)
	for _, p := range plains {
		up.Feed(p)
	}
	var paths []string
	for {
		unit, ok := up.Next()
		if !ok {
			break
		}
		if unit.IsItem {
			paths = append(paths, unit.Item.Path)
		}
	}
	if len(paths) != 4 { // sub dir, a.txt, sub/b.txt, link
		t.Fatalf("expected 4 items, got %d: %v", len(paths), paths)
	}
}

func TestRecordExcludesMatchingSubtree(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root)

	repoID := idOf(4)
	repo := memory.New(repoID)
	k := key.NewChaChaKey(make([]byte, 32))
	c := newTestCache(t, repoID)

	rec := New(c, repo, k, nil, 1<<16, nil).WithExcludes([]string{"sub/**", "sub"})
	_, stats, err := rec.Record(ctx, root, "run1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("expected only a.txt to survive the exclude, got %d files", stats.Files)
	}
	if stats.Directories != 0 {
		t.Errorf("expected sub/ itself to be excluded, got %d directories", stats.Directories)
	}
}

func TestRecordReusesUnchangedFileOnSecondPass(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root)
	// Commit drops every files-cache entry whose mtime equals the newest one
	// memorized in the run, so backdate the two files under test and add a
	// newer file that sets that watermark (and is itself dropped).
	old := time.Now().Add(-time.Hour)
	for _, p := range []string{filepath.Join(root, "a.txt"), filepath.Join(root, "sub", "b.txt")} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "newest.txt"), []byte("newest"), 0o644); err != nil {
		t.Fatal(err)
	}

	repoID := idOf(2)
	repo := memory.New(repoID)
	k := key.NewChaChaKey(make([]byte, 32))
	c := newTestCache(t, repoID)

	rec := New(c, repo, k, nil, 1<<16, nil)
	if _, _, err := rec.Record(ctx, root, "run1"); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	_, stats, err := rec.Record(ctx, root, "run2")
	if err != nil {
		t.Fatalf("second Record: %v", err)
	}
	if stats.UnchangedFiles != 2 {
		t.Errorf("expected both files to hit the files cache unchanged, got %d", stats.UnchangedFiles)
	}
}

func TestRecordDetectsHardLinks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "orig.txt"), []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(root, "orig.txt"), filepath.Join(root, "linked.txt")); err != nil {
		t.Skipf("hard links unsupported in this environment: %v", err)
	}

	repoID := idOf(3)
	repo := memory.New(repoID)
	k := key.NewChaChaKey(make([]byte, 32))
	c := newTestCache(t, repoID)

	rec := New(c, repo, k, nil, 1<<16, nil)
	_, stats, err := rec.Record(ctx, root, "run1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stats.HardLinks != 1 {
		t.Errorf("expected 1 hard link detected, got %d", stats.HardLinks)
	}
	if stats.Files != 1 {
		t.Errorf("expected 1 regular file chunked, got %d", stats.Files)
	}
}

// Package cache implements the client-side chunk cache session: the
// add/incref/decref operations a chunker drives while scanning a source
// tree, the sync procedure that replays a repository's manifest into a
// fresh chunk index, and the commit protocol that persists everything
// back to the cache directory through internal/txn.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"atticore/internal/cacheconfig"
	"atticore/internal/cachedir"
	"atticore/internal/chunkid"
	"atticore/internal/chunkindex"
	"atticore/internal/filescache"
	"atticore/internal/itemstream"
	"atticore/internal/key"
	"atticore/internal/lock"
	"atticore/internal/logging"
	"atticore/internal/manifest"
	"atticore/internal/repository"
	"atticore/internal/txn"
)

// ErrRepositoryReplay is returned by Sync when the repository's manifest
// carries an older timestamp than the cache's last synced snapshot — a
// sign the repository was replaced by a stale backup or restored
// out-of-band rather than genuinely advanced.
var ErrRepositoryReplay = errors.New("cache: repository timestamp predates cached snapshot")

// Cache is one open session over a repository's local cache directory. It
// holds the exclusive on-disk lock for its entire lifetime; callers must
// Close it.
//
// Not safe for concurrent use.
type Cache struct {
	dir  string
	repo repository.Repository
	key  key.Key

	lk  *lock.Lock
	txn *txn.Manager

	cfg    cacheconfig.Config
	chunks *chunkindex.Index
	files  *filescache.Cache

	observed map[filescache.PathHash]struct{}

	logger *slog.Logger
}

// Open acquires the cache directory for repo, rolling back any interrupted
// transaction from a prior crash before trusting any file on disk.
func Open(dirs cachedir.Dirs, repo repository.Repository, k key.Key, logger *slog.Logger) (*Cache, error) {
	logger = logging.Default(logger).With("component", "cache")

	repoID := repo.ID()
	dir := dirs.RepoCacheDir(repoID[:])
	if err := cachedir.EnsureRepoCacheDir(dir); err != nil {
		return nil, err
	}

	lk, err := lock.AcquireExclusive(cachedir.RepoConfigPath(dir))
	if err != nil {
		return nil, fmt.Errorf("cache: lock %s: %w", dir, err)
	}

	tm := txn.New(dir)
	if err := tm.Rollback(); err != nil {
		lk.Release()
		return nil, fmt.Errorf("cache: rollback stale transaction: %w", err)
	}

	cfg, err := loadOrInitConfig(dir, repoID)
	if err != nil {
		lk.Release()
		return nil, err
	}

	chunks, err := chunkindex.Read(cachedir.RepoChunksPath(dir))
	if err != nil {
		lk.Release()
		return nil, fmt.Errorf("cache: read chunk index: %w", err)
	}

	files, err := filescache.Load(cachedir.RepoFilesPath(dir))
	if err != nil {
		lk.Release()
		return nil, fmt.Errorf("cache: read files cache: %w", err)
	}

	logger.Info("cache opened", "dir", dir, "chunks", chunks.Len(), "files", files.Len())

	return &Cache{
		dir:      dir,
		repo:     repo,
		key:      k,
		lk:       lk,
		txn:      tm,
		cfg:      cfg,
		chunks:   chunks,
		files:    files,
		observed: make(map[filescache.PathHash]struct{}),
		logger:   logger,
	}, nil
}

// loadOrInitConfig reads the cache's config file, initializing a fresh
// Config for a brand-new cache directory. The config file doubles as the
// lock file, which AcquireExclusive creates on first use, so a missing
// config never surfaces as os.ErrNotExist here — instead it reads back as
// zero bytes, which Decode happily parses into a zero-value Config. An
// unset Version is the signal this is actually a new cache.
func loadOrInitConfig(dir string, repoID chunkid.ID) (cacheconfig.Config, error) {
	cfg, err := cacheconfig.Read(cachedir.RepoConfigPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cacheconfig.Config{Version: 1, RepositoryID: repoID.String()}, nil
		}
		return cacheconfig.Config{}, fmt.Errorf("cache: read config: %w", err)
	}
	if cfg.Version == 0 {
		return cacheconfig.Config{Version: 1, RepositoryID: repoID.String()}, nil
	}
	return cfg, nil
}

// Close releases the cache directory's lock. The cache must have already
// been committed or deliberately abandoned; Close does not persist
// anything.
func (c *Cache) Close() error {
	return c.lk.Release()
}

// SeenChunk reports whether id is already tracked by the chunk index,
// without affecting its refcount.
func (c *Cache) SeenChunk(id chunkid.ID) bool {
	_, ok := c.chunks.Get(id)
	return ok
}

// ChunkInfo returns the plaintext and ciphertext sizes recorded for id, if
// known. Callers that hit an existing chunk (SeenChunk true) use this to
// fill in an item's chunk-list entry without re-reading or re-encrypting
// the data.
func (c *Cache) ChunkInfo(id chunkid.ID) (size, csize uint32, ok bool) {
	e, ok := c.chunks.Get(id)
	if !ok {
		return 0, 0, false
	}
	return e.Size, e.CSize, true
}

// AddChunk records a newly produced chunk, incrementing its refcount if
// already present or inserting it at refcount 1.
func (c *Cache) AddChunk(id chunkid.ID, size, csize uint32) {
	c.chunks.Add(id, size, csize)
}

// ChunkIncref increments an existing chunk's refcount, e.g. when a second
// file references a chunk already held by a first.
func (c *Cache) ChunkIncref(id chunkid.ID) error {
	return c.chunks.Incref(id)
}

// ChunkDecref decrements a chunk's refcount. When the last reference goes,
// it erases the entry from the index and issues a fire-and-forget delete
// of the blob from the repository. Returns whether the entry was erased.
func (c *Cache) ChunkDecref(id chunkid.ID) (bool, error) {
	_, erased, err := c.chunks.Decref(id)
	if err != nil {
		return false, err
	}
	if erased {
		if err := c.repo.Delete(context.Background(), id, false); err != nil {
			return true, fmt.Errorf("cache: decref %s: delete from repository: %w", id, err)
		}
	}
	return erased, nil
}

// LookupFile returns the chunk ids memorized for pathHash, if stat still
// matches what was recorded.
func (c *Cache) LookupFile(pathHash filescache.PathHash, stat filescache.Stat) ([]chunkid.ID, bool) {
	c.observed[pathHash] = struct{}{}
	return c.files.Lookup(pathHash, stat)
}

// MemorizeFile records pathHash's chunk list for reuse on a future run
// with an unchanged stat.
func (c *Cache) MemorizeFile(pathHash filescache.PathHash, stat filescache.Stat, ids []chunkid.ID) {
	c.observed[pathHash] = struct{}{}
	c.files.Memorize(pathHash, stat, ids)
}

// Sync rebuilds the chunk index from scratch by replaying every archive
// listed in the repository's manifest: fetching each archive's root blob
// and item stream, and re-adding every chunk each item references. This is
// the recovery path for a cache that was deleted or never existed, and the
// normal path after any run that added archives to the repository.
func (c *Cache) Sync(ctx context.Context, mf manifest.Manifest) error {
	if c.cfg.Timestamp != "" && mf.Timestamp < c.cfg.Timestamp {
		return fmt.Errorf("cache: sync: manifest timestamp %q precedes cached %q: %w",
			mf.Timestamp, c.cfg.Timestamp, ErrRepositoryReplay)
	}
	if mf.Timestamp != "" && mf.Timestamp == c.cfg.Timestamp {
		c.logger.Info("sync: manifest unchanged, nothing to do", "timestamp", mf.Timestamp)
		return nil
	}

	if err := c.ensureTxn(); err != nil {
		return err
	}

	c.chunks.Clear()

	names := make([]string, 0, len(mf.Archives))
	for name := range mf.Archives {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref := mf.Archives[name]
		if err := c.syncArchive(ctx, name, ref.ID); err != nil {
			return fmt.Errorf("cache: sync: archive %q: %w", name, err)
		}
	}

	c.cfg.ManifestID = mf.ID.String()
	c.cfg.Timestamp = mf.Timestamp
	c.logger.Info("sync complete", "archives", len(names), "chunks", c.chunks.Len())
	return nil
}

// syncArchive fetches an archive's root blob, decrypts and decodes it, then
// fetches its item-stream chunks. GetMany pipelines fetches and yields them
// to its callback out of order, but item records can straddle chunk
// boundaries, so the decrypted plaintexts are first collected into a slice
// indexed by their position in the root's item list, then fed into a fresh
// itemstream.Unpacker in that strict order.
func (c *Cache) syncArchive(ctx context.Context, name string, rootID chunkid.ID) error {
	rootCipher, err := c.repo.Get(ctx, rootID)
	if err != nil {
		return fmt.Errorf("fetch root: %w", err)
	}
	rootPlain, err := c.key.Decrypt(rootID, rootCipher)
	if err != nil {
		return fmt.Errorf("decrypt root: %w", err)
	}
	root, err := manifest.DecodeRootMeta(rootPlain)
	if err != nil {
		return fmt.Errorf("decode root: %w", err)
	}

	index := make(map[chunkid.ID]int, len(root.Items))
	for i, id := range root.Items {
		index[id] = i
	}
	plains := make([][]byte, len(root.Items))

	err = c.repo.GetMany(ctx, root.Items, func(id chunkid.ID, ciphertext []byte) error {
		plain, err := c.key.Decrypt(id, ciphertext)
		if err != nil {
			return fmt.Errorf("decrypt item chunk %s: %w", id, err)
		}
		i, ok := index[id]
		if !ok {
			return fmt.Errorf("unexpected chunk %s", id)
		}
		plains[i] = plain
		c.chunks.Add(id, uint32(len(plain)), uint32(len(ciphertext)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch item chunks: %w", err)
	}

	up := itemstream.New(itemstream.DefaultValidator)
	for _, plain := range plains {
		up.Feed(plain)
	}
	var nItems int
	for {
		unit, ok := up.Next()
		if !ok {
			break
		}
		if !unit.IsItem {
			continue
		}
		nItems++
		for _, ref := range unit.Item.Chunks {
			c.chunks.Add(ref.ID, ref.Size, ref.CSize)
		}
	}

	c.logger.Debug("archive synced", "name", name, "metadata_chunks", len(root.Items), "items", nItems)
	return nil
}

// ensureTxn begins a transaction if one isn't already active. The
// config/chunks/files files on disk still hold the pre-transaction
// snapshot; Sync and the add/incref/decref operations only mutate the
// in-memory structures until Commit writes them out and calls txn.Finish.
func (c *Cache) ensureTxn() error {
	if c.txn.Active() {
		return nil
	}
	return c.txn.Begin()
}

// Commit writes the in-memory files cache, config, and chunk index back to
// the cache directory — in that order, per the concurrency model a reader
// without the lock relies on — then finalizes the transaction.
func (c *Cache) Commit() error {
	if err := c.ensureTxn(); err != nil {
		return err
	}

	if err := c.files.Write(cachedir.RepoFilesPath(c.dir), c.observed); err != nil {
		return fmt.Errorf("cache: commit: write files cache: %w", err)
	}
	if err := cacheconfig.Write(cachedir.RepoConfigPath(c.dir), c.cfg); err != nil {
		return fmt.Errorf("cache: commit: write config: %w", err)
	}
	if err := c.chunks.Write(cachedir.RepoChunksPath(c.dir)); err != nil {
		return fmt.Errorf("cache: commit: write chunk index: %w", err)
	}

	if err := c.txn.Finish(); err != nil {
		return fmt.Errorf("cache: commit: finish transaction: %w", err)
	}
	c.observed = make(map[filescache.PathHash]struct{})
	return nil
}

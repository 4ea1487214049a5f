// Package recorder implements the archive-creation side of the pipeline
// spec.md keeps out of scope by name only for its chunk *boundaries* (the
// content-defined chunker, §1): everything downstream of a chunk boundary
// — seen-chunk dedup, encryption, upload, item-stream packing, and the
// root blob that ties an archive together — lives here, wired against the
// cache (§4.6 add/incref/decref), the item-stream packer (§4.7's inverse),
// and the external Repository/Key collaborators (§6).
//
// Per spec.md §9's design note on global platform dispatch, host-specific
// stat fields are supplied through an injected platform.Capability rather
// than read via package-level calls, so Record itself stays portable.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"atticore/internal/cache"
	"atticore/internal/chunkid"
	"atticore/internal/filescache"
	"atticore/internal/item"
	"atticore/internal/itemstream"
	"atticore/internal/key"
	"atticore/internal/logging"
	"atticore/internal/manifest"
	"atticore/internal/platform"
	"atticore/internal/repository"
	"atticore/internal/splitter"
)

// Stats summarizes one Record call, mirroring the categories the spec's
// add/incref/decref operations tag onto the chunks they touch.
type Stats struct {
	Files          int
	Directories    int
	Symlinks       int
	HardLinks      int
	UniqueChunks   int
	ReusedChunks   int
	UnchangedFiles int // files skipped entirely via the files cache hit
	TotalBytes     int64
}

// Recorder drives one archive-creation pass over a source tree.
type Recorder struct {
	cache     *cache.Cache
	repo      repository.Repository
	key       key.Key
	plat      platform.Capability
	chunkSize int
	excludes  []string
	logger    *slog.Logger
}

// WithExcludes sets the shell glob patterns (doublestar syntax, matched
// against the entry's archive-relative, slash-separated path) that Record
// skips entirely. A pattern matching a directory excludes its whole
// subtree. Mirrors the exclude-pattern matching a backup tool's walk
// traditionally supports alongside include paths.
func (r *Recorder) WithExcludes(patterns []string) *Recorder {
	r.excludes = patterns
	return r
}

func (r *Recorder) excluded(rel string) bool {
	for _, pat := range r.excludes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// New creates a Recorder. chunkSize <= 0 uses splitter.DefaultSize.
func New(c *cache.Cache, repo repository.Repository, k key.Key, plat platform.Capability, chunkSize int, logger *slog.Logger) *Recorder {
	if chunkSize <= 0 {
		chunkSize = splitter.DefaultSize
	}
	if plat == nil {
		plat = platform.New()
	}
	return &Recorder{
		cache:     c,
		repo:      repo,
		key:       k,
		plat:      plat,
		chunkSize: chunkSize,
		logger:    logging.Default(logger).With("component", "recorder"),
	}
}

// Record walks sourceDir, packs every entry into an item stream, chunks
// and uploads new content, and stores the resulting archive's root blob.
// It returns the ArchiveRef the caller should install into the
// repository's manifest under the archive's name.
func (r *Recorder) Record(ctx context.Context, sourceDir, timestamp string) (manifest.ArchiveRef, Stats, error) {
	absRoot, err := filepath.Abs(sourceDir)
	if err != nil {
		return manifest.ArchiveRef{}, Stats{}, fmt.Errorf("recorder: resolve %s: %w", sourceDir, err)
	}

	runID := uuid.Must(uuid.NewV7()).String()
	logger := r.logger.With("run_id", runID, "source", absRoot)

	var itemStream []byte
	var stats Stats
	seenInode := make(map[uint64]string)

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("recorder: walk %s: %w", path, walkErr)
		}
		if path == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("recorder: relativize %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if r.excluded(rel) {
			logger.Debug("excluded", "path", rel)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("recorder: stat %s: %w", path, err)
		}

		it, err := r.buildItem(ctx, path, rel, info, seenInode, &stats)
		if err != nil {
			return fmt.Errorf("recorder: item %s: %w", rel, err)
		}

		data, err := itemstream.Pack(it)
		if err != nil {
			return err
		}
		itemStream = append(itemStream, data...)
		return nil
	})
	if err != nil {
		return manifest.ArchiveRef{}, stats, err
	}

	rootItems, err := r.storePlaintextChunks(ctx, itemStream, &stats)
	if err != nil {
		return manifest.ArchiveRef{}, stats, fmt.Errorf("recorder: store item stream: %w", err)
	}

	rootPlain, err := manifest.EncodeRootMeta(manifest.RootMeta{Version: 1, Name: timestamp, Items: rootItems})
	if err != nil {
		return manifest.ArchiveRef{}, stats, fmt.Errorf("recorder: encode root: %w", err)
	}
	rootID, _, err := r.storeChunk(ctx, rootPlain, &stats, true)
	if err != nil {
		return manifest.ArchiveRef{}, stats, fmt.Errorf("recorder: store root: %w", err)
	}

	logger.Info("archive recorded",
		"files", stats.Files, "directories", stats.Directories,
		"unique_chunks", stats.UniqueChunks, "reused_chunks", stats.ReusedChunks,
		"unchanged_files", stats.UnchangedFiles, "bytes", stats.TotalBytes)

	return manifest.ArchiveRef{ID: rootID, Timestamp: timestamp}, stats, nil
}

// buildItem classifies one directory entry and, for a regular file,
// drives its content through the chunker/cache pipeline.
func (r *Recorder) buildItem(ctx context.Context, path, rel string, info fs.FileInfo, seenInode map[uint64]string, stats *Stats) (item.Item, error) {
	pi := r.plat.Stat(info)
	it := item.Item{
		Path:    rel,
		Mode:    uint32(info.Mode().Perm()) | modeBits(info.Mode()),
		UID:     pi.UID,
		GID:     pi.GID,
		MTimeNS: pi.MTimeNS,
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return item.Item{}, fmt.Errorf("readlink: %w", err)
		}
		it.Kind = item.KindSymlink
		it.Source = target
		stats.Symlinks++

	case info.IsDir():
		it.Kind = item.KindDirectory
		stats.Directories++

	case info.Mode()&(fs.ModeDevice|fs.ModeCharDevice) != 0:
		it.Kind = item.KindDevice
		it.Rdev = pi.Rdev

	default:
		if pi.NLink > 1 && pi.Inode != 0 {
			if firstPath, ok := seenInode[pi.Inode]; ok {
				it.Kind = item.KindHardLink
				it.Source = firstPath
				stats.HardLinks++
				return it, nil
			}
			seenInode[pi.Inode] = rel
		}

		chunks, unchanged, err := r.chunkFile(ctx, path, rel, pi, info, stats)
		if err != nil {
			return item.Item{}, err
		}
		it.Kind = item.KindRegularFile
		it.Chunks = chunks
		stats.Files++
		if unchanged {
			stats.UnchangedFiles++
		}
		stats.TotalBytes += info.Size()
	}
	return it, nil
}

// modeBits extracts the S_IFMT-equivalent bits item.Item expects from Go's
// portable fs.FileMode representation.
func modeBits(m fs.FileMode) uint32 {
	switch {
	case m&fs.ModeDir != 0:
		return 0o040000
	case m&fs.ModeSymlink != 0:
		return 0o120000
	case m&(fs.ModeDevice|fs.ModeCharDevice) != 0:
		return 0o020000
	default:
		return 0o100000
	}
}

// chunkFile resolves a regular file's chunk list, reusing the files cache
// when the file's identity (inode, size, mtime) hasn't changed since it
// was last recorded, and chunking fresh content otherwise.
func (r *Recorder) chunkFile(ctx context.Context, path, rel string, pi platform.Info, info fs.FileInfo, stats *Stats) ([]item.ChunkRef, bool, error) {
	pathHash := filescache.HashPath(path)
	st := filescache.Stat{Inode: pi.Inode, Size: uint64(info.Size()), MTimeNS: pi.MTimeNS}

	if ids, ok := r.cache.LookupFile(pathHash, st); ok {
		refs := make([]item.ChunkRef, 0, len(ids))
		for _, id := range ids {
			size, csize, known := r.cache.ChunkInfo(id)
			if !known {
				// The files cache and chunk index disagree (e.g. a chunk
				// was pruned between syncs); fall through to a full
				// rechunk rather than emit a dangling reference.
				return r.rechunkFile(ctx, path, rel, pathHash, st, stats)
			}
			if err := r.cache.ChunkIncref(id); err != nil {
				return nil, false, fmt.Errorf("incref %s: %w", rel, err)
			}
			refs = append(refs, item.ChunkRef{ID: id, Size: size, CSize: csize})
		}
		return refs, true, nil
	}

	return r.rechunkFile(ctx, path, rel, pathHash, st, stats)
}

func (r *Recorder) rechunkFile(ctx context.Context, path, rel string, pathHash filescache.PathHash, st filescache.Stat, stats *Stats) ([]item.ChunkRef, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	var refs []item.ChunkRef
	err = splitter.Split(f, r.chunkSize, func(plain []byte) error {
		id, ok := r.seenAndIncref(plain)
		var size, csize uint32
		if ok {
			stats.ReusedChunks++
			size, csize, _ = r.cache.ChunkInfo(id)
		} else {
			cipher, err := r.key.Encrypt(plain)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", rel, err)
			}
			if err := r.repo.Put(ctx, id, cipher, false); err != nil {
				return fmt.Errorf("put %s: %w", rel, err)
			}
			r.cache.AddChunk(id, uint32(len(plain)), uint32(len(cipher)))
			size, csize = uint32(len(plain)), uint32(len(cipher))
			stats.UniqueChunks++
		}
		refs = append(refs, item.ChunkRef{ID: id, Size: size, CSize: csize})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	r.cache.MemorizeFile(pathHash, st, chunkIDs(refs))
	return refs, false, nil
}

func chunkIDs(refs []item.ChunkRef) []chunkid.ID {
	out := make([]chunkid.ID, len(refs))
	for i, ref := range refs {
		out[i] = ref.ID
	}
	return out
}

// storePlaintextChunks chunks an in-memory byte stream (the item stream,
// or potentially other synthetic plaintexts the recorder produces) the
// same way rechunkFile chunks a file's on-disk content, returning the
// resulting chunk ids in order.
func (r *Recorder) storePlaintextChunks(ctx context.Context, data []byte, stats *Stats) ([]chunkid.ID, error) {
	var ids []chunkid.ID
	err := splitter.Split(bytes.NewReader(data), r.chunkSize, func(plain []byte) error {
		id, _, err := r.storeChunk(ctx, plain, stats, false)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// storeChunk is the single-blob counterpart of rechunkFile's per-chunk
// body: it dedups, encrypts and uploads one plaintext, used for the item-stream
// chunks and the archive's own root blob. wait controls Put's durability
// flag: the root blob must be durable before the manifest write that
// references it, ordinary content chunks need not be.
func (r *Recorder) storeChunk(ctx context.Context, plain []byte, stats *Stats, wait bool) (chunkid.ID, uint32, error) {
	id, ok := r.seenAndIncref(plain)
	if ok {
		stats.ReusedChunks++
		return id, uint32(len(plain)), nil
	}
	cipher, err := r.key.Encrypt(plain)
	if err != nil {
		return id, 0, fmt.Errorf("encrypt: %w", err)
	}
	if err := r.repo.Put(ctx, id, cipher, wait); err != nil {
		return id, 0, fmt.Errorf("put: %w", err)
	}
	r.cache.AddChunk(id, uint32(len(plain)), uint32(len(cipher)))
	stats.UniqueChunks++
	return id, uint32(len(cipher)), nil
}

// seenAndIncref derives plain's content address, increfing its existing
// cache entry if one is already tracked. The caller distinguishes "seen"
// from "new" by the returned bool, per spec §4.6's add_chunk contract.
func (r *Recorder) seenAndIncref(plain []byte) (chunkid.ID, bool) {
	id := r.key.IDHash(plain)
	if r.cache.SeenChunk(id) {
		_ = r.cache.ChunkIncref(id)
		return id, true
	}
	return id, false
}

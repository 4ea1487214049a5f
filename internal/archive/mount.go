package archive

import (
	"fmt"
	"log/slog"
	"strings"

	"atticore/internal/chunkid"
	"atticore/internal/key"
	"atticore/internal/manifest"
	"atticore/internal/repository"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures one materializer mount.
type MountOptions struct {
	Repository repository.Repository
	Key        key.Key
	Manifest   manifest.Manifest

	// Archive restricts the mount to one archive, exposed directly at the
	// mount root. Empty exposes every archive in Manifest.Archives as a
	// top-level placeholder directory.
	Archive string

	// ScratchDir holds the item cache's spill file; see NewItemCache.
	ScratchDir string

	// ExtraOptions is a caller-supplied comma-separated list of FUSE mount
	// options, appended after the fixed "fsname=atticfs,ro".
	ExtraOptions string

	Logger *slog.Logger
}

// Mount spills every materialized item into a fresh ItemCache under
// opts.ScratchDir and mounts the FUSE filesystem at mountPoint,
// single-threaded per the spec's cooperative scheduling model. The caller
// owns the returned server's lifecycle (server.Wait() blocks until
// unmount; server.Unmount() requests it) and must Close the returned
// ItemCache once the mount is torn down.
func Mount(mountPoint string, opts MountOptions) (*fuse.Server, *ItemCache, error) {
	items, err := NewItemCache(opts.ScratchDir)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: mount %s: %w", mountPoint, err)
	}

	ms := newMountState(opts.Repository, opts.Key, items, opts.Logger)
	ms.archiveRoots = make(map[string]chunkid.ID, len(opts.Manifest.Archives))
	for name, ref := range opts.Manifest.Archives {
		ms.archiveRoots[name] = ref.ID
	}

	var root *Node
	if opts.Archive != "" {
		if _, ok := ms.archiveRoots[opts.Archive]; !ok {
			_ = items.Close()
			return nil, nil, fmt.Errorf("archive: unknown archive %q", opts.Archive)
		}
		ms.single = opts.Archive
		root = &Node{mount: ms, archive: opts.Archive, treeIno: rootInode}
	} else {
		ms.reservePlaceholders()
		root = &Node{mount: ms}
	}

	mountOpts := fuse.MountOptions{
		FsName:         "atticfs",
		Options:        append([]string{"ro"}, splitOptions(opts.ExtraOptions)...),
		SingleThreaded: true,
	}
	server, err := fs.Mount(mountPoint, root, &fs.Options{MountOptions: mountOpts})
	if err != nil {
		items.Close()
		return nil, nil, fmt.Errorf("archive: mount %s: %w", mountPoint, err)
	}

	ms.logger.Info("mounted", "path", mountPoint, "archive", ms.single, "archives", len(ms.archiveRoots))
	return server, items, nil
}

func splitOptions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

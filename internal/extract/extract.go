// Package extract walks a materialized archive tree and writes its
// content to a plain destination directory, the non-FUSE counterpart to
// internal/archive's lazy mount: every case archive.Node (fs.go) resolves
// through the kernel instead resolves here through a direct filesystem
// walk.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"atticore/internal/archive"
	"atticore/internal/chunkid"
	"atticore/internal/item"
	"atticore/internal/key"
	"atticore/internal/logging"
	"atticore/internal/repository"
)

// Options configures one extraction pass.
type Options struct {
	Repository repository.Repository
	Key        key.Key
	ScratchDir string // item cache spill file location
	Logger     *slog.Logger
}

// Stats summarizes what Extract wrote.
type Stats struct {
	Files       int
	Directories int
	Symlinks    int
	HardLinks   int
	Devices     int
}

// Extract materializes rootID's entire tree under destDir, which must
// already exist.
func Extract(ctx context.Context, rootID chunkid.ID, destDir string, opts Options) (Stats, error) {
	logger := logging.Default(opts.Logger).With("component", "extract")

	items, err := archive.NewItemCache(opts.ScratchDir)
	if err != nil {
		return Stats{}, fmt.Errorf("extract: item cache: %w", err)
	}
	defer items.Close()

	const rootInode = 1
	sess, err := archive.OpenSession(ctx, opts.Repository, opts.Key, items, "extract", rootID, rootInode)
	if err != nil {
		return Stats{}, fmt.Errorf("extract: open session: %w", err)
	}
	if err := sess.EnsureDir(ctx, nil); err != nil {
		return Stats{}, fmt.Errorf("extract: load tree: %w", err)
	}

	var stats Stats
	e := &extractor{
		ctx:   ctx,
		repo:  opts.Repository,
		key:   opts.Key,
		items: items,
		dest:  destDir,
		stats: &stats,
	}
	if err := e.walkDir(sess.Tree(), sess.Tree().Root(), ""); err != nil {
		return stats, err
	}
	logger.Info("extracted", "files", stats.Files, "directories", stats.Directories,
		"symlinks", stats.Symlinks, "hardlinks", stats.HardLinks, "devices", stats.Devices)
	return stats, nil
}

type extractor struct {
	ctx   context.Context
	repo  repository.Repository
	key   key.Key
	items *archive.ItemCache
	dest  string
	stats *Stats

	// hardlinks maps an archive-relative source path to the destination
	// path already written for it, so a later KindHardLink entry can
	// os.Link to it instead of re-resolving its source through the tree.
	// archive.Tree.Attach already merges hard links onto their source's
	// inode, so such entries reach writeLeaf carrying the source's item
	// and are written as independent copies of its content; they are not
	// linked and not counted in Stats.HardLinks.
	hardlinks map[string]string
}

func (e *extractor) walkDir(tree *archive.Tree, inode uint64, rel string) error {
	node, ok := tree.Node(inode)
	if !ok {
		return fmt.Errorf("extract: missing inode %d", inode)
	}
	destPath := filepath.Join(e.dest, rel)
	if rel != "" {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return fmt.Errorf("extract: mkdir %s: %w", destPath, err)
		}
		e.stats.Directories++
	}

	for name, childInode := range node.Children {
		childRel := filepath.Join(rel, name)
		child, ok := tree.Node(childInode)
		if !ok {
			return fmt.Errorf("extract: missing inode %d for %s", childInode, childRel)
		}
		if child.Kind == archive.NodeDir {
			if err := e.walkDir(tree, childInode, childRel); err != nil {
				return err
			}
			continue
		}
		if err := e.writeLeaf(child, childRel); err != nil {
			return err
		}
	}
	return nil
}

func (e *extractor) writeLeaf(node *archive.TreeNode, rel string) error {
	it, err := e.items.Get(node.Handle)
	if err != nil {
		return fmt.Errorf("extract: load item %s: %w", rel, err)
	}
	destPath := filepath.Join(e.dest, rel)

	switch it.Kind {
	case item.KindSymlink:
		if err := os.Symlink(it.Source, destPath); err != nil {
			return fmt.Errorf("extract: symlink %s: %w", destPath, err)
		}
		e.stats.Symlinks++

	case item.KindHardLink:
		if target, ok := e.hardlinks[it.Source]; ok {
			if err := os.Link(target, destPath); err != nil {
				return fmt.Errorf("extract: link %s: %w", destPath, err)
			}
			e.stats.HardLinks++
			return nil
		}
		return fmt.Errorf("extract: hard link %s: source %q not yet written", rel, it.Source)

	case item.KindDevice:
		// Creating device nodes requires privileges extract does not
		// assume it has; record the entry without content instead of
		// failing the whole run.
		if err := os.WriteFile(destPath, nil, os.FileMode(it.Mode&0o777)); err != nil {
			return fmt.Errorf("extract: device placeholder %s: %w", destPath, err)
		}
		e.stats.Devices++

	default:
		if err := e.writeRegularFile(destPath, it); err != nil {
			return err
		}
		e.stats.Files++
	}

	if e.hardlinks == nil {
		e.hardlinks = make(map[string]string)
	}
	e.hardlinks[rel] = destPath
	return nil
}

func (e *extractor) writeRegularFile(destPath string, it item.Item) error {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(it.Mode&0o777))
	if err != nil {
		return fmt.Errorf("extract: create %s: %w", destPath, err)
	}
	defer f.Close()

	for _, ref := range it.Chunks {
		cipher, err := e.repo.Get(e.ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("extract: fetch chunk %s for %s: %w", ref.ID, destPath, err)
		}
		plain, err := e.key.Decrypt(ref.ID, cipher)
		if err != nil {
			return fmt.Errorf("extract: decrypt chunk %s for %s: %w", ref.ID, destPath, err)
		}
		if _, err := io.Copy(f, bytes.NewReader(plain)); err != nil {
			return fmt.Errorf("extract: write %s: %w", destPath, err)
		}
	}
	return nil
}

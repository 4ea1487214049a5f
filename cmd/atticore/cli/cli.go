// Package cli implements the atticore command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"atticore/internal/backend"
	"atticore/internal/cache"
	"atticore/internal/cachedir"
	"atticore/internal/key"
	"atticore/internal/keystore"
	"atticore/internal/repository"
)

// NewRootCommand returns the "atticore" command with every subcommand
// wired in.
func NewRootCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atticore",
		Short: "Deduplicating backup archive tool",
	}

	cmd.PersistentFlags().String("repo", "", "repository location (local:<path>, memory:<token>, s3://bucket/prefix, gcs://bucket/prefix, azure://host/container/prefix)")
	cmd.PersistentFlags().String("cache-dir", "", "override ATTIC_CACHE_DIR")
	cmd.PersistentFlags().String("keys-dir", "", "override ATTIC_KEYS_DIR")
	_ = cmd.MarkPersistentFlagRequired("repo")

	cmd.AddCommand(
		newInitCmd(logger),
		newAddCmd(logger),
		newSyncCmd(logger),
		newStatusCmd(logger),
		newMountCmd(logger),
		newExtractCmd(logger),
	)

	return cmd
}

// session bundles the collaborators every subcommand needs: the open
// repository, its key, and the resolved cache directories. Subcommands
// that also need the cache session itself call openCache separately,
// since mount and extract never touch the local cache.
type session struct {
	repo repository.Repository
	key  key.Key
	dirs cachedir.Dirs
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	location, err := cmd.Flags().GetString("repo")
	if err != nil || location == "" {
		return nil, fmt.Errorf("--repo is required")
	}

	dirs, err := resolveDirs(cmd)
	if err != nil {
		return nil, err
	}

	repo, err := backend.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	k, err := keystore.LoadOrCreate(dirs.KeysRoot(), repo.ID())
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}

	return &session{repo: repo, key: k, dirs: dirs}, nil
}

func resolveDirs(cmd *cobra.Command) (cachedir.Dirs, error) {
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	keysDir, _ := cmd.Flags().GetString("keys-dir")
	if cacheDir != "" || keysDir != "" {
		defaults, err := cachedir.Default()
		if err != nil {
			return cachedir.Dirs{}, err
		}
		if cacheDir == "" {
			cacheDir = defaults.CacheRoot()
		}
		if keysDir == "" {
			keysDir = defaults.KeysRoot()
		}
		return cachedir.New(cacheDir, keysDir), nil
	}
	return cachedir.Default()
}

func (s *session) openCache(logger *slog.Logger) (*cache.Cache, error) {
	return cache.Open(s.dirs, s.repo, s.key, logger)
}

// close releases the underlying backend's resources, for backends (like
// local's bbolt-backed store) that hold one open.
func (s *session) close() {
	if c, ok := s.repo.(io.Closer); ok {
		_ = c.Close()
	}
}

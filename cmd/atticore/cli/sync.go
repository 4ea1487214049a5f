package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"atticore/internal/cache"
	"atticore/internal/manifest"
)

func newSyncCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the local chunk cache from the repository's manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.close()

			c, err := sess.openCache(logger)
			if err != nil {
				return err
			}
			defer c.Close()

			mf, err := manifest.Fetch(ctx, sess.repo, sess.key)
			if err != nil {
				return err
			}
			if err := c.Sync(ctx, mf); err != nil {
				if errors.Is(err, cache.ErrRepositoryReplay) {
					return fmt.Errorf("refusing to sync: %w", err)
				}
				return err
			}
			if err := c.Commit(); err != nil {
				return err
			}

			cmd.Printf("synced %d archives\n", len(mf.Archives))
			return nil
		},
	}
}

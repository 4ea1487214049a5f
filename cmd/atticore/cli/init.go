package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"atticore/internal/manifest"
)

func newInitCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a repository's key and local cache",
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

			if _, err := manifest.Fetch(ctx, sess.repo, sess.key); err != nil {
				return err
			}
			if err := c.Commit(); err != nil {
				return err
			}

			cmd.Printf("repository %s initialized\n", sess.repo.ID())
			return nil
		},
	}
}

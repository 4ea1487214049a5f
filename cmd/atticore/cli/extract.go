package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"atticore/internal/extract"
	"atticore/internal/manifest"
)

func newExtractCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <archive> <destdir>",
		Short: "Materialize one archive's contents into a plain directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, dest := args[0], args[1]
			ctx := cmd.Context()

			sess, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.close()

			mf, err := manifest.Fetch(ctx, sess.repo, sess.key)
			if err != nil {
				return err
			}
			ref, ok := mf.Archives[name]
			if !ok {
				return fmt.Errorf("archive %q not found", name)
			}

			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dest, err)
			}
			scratch, err := os.MkdirTemp("", "atticore-extract-*")
			if err != nil {
				return fmt.Errorf("create scratch dir: %w", err)
			}
			defer os.RemoveAll(scratch)

			stats, err := extract.Extract(ctx, ref.ID, dest, extract.Options{
				Repository: sess.repo,
				Key:        sess.key,
				ScratchDir: scratch,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			cmd.Printf("extracted %q: %d files, %d directories, %d symlinks, %d hard links\n",
				name, stats.Files, stats.Directories, stats.Symlinks, stats.HardLinks)
			return nil
		},
	}
	return cmd
}

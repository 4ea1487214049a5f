package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"atticore/internal/manifest"
	"atticore/internal/recorder"
)

func newAddCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Record a source tree as a new archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
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
				return fmt.Errorf("sync before recording: %w", err)
			}

			chunkSize, _ := cmd.Flags().GetInt("chunk-size")
			excludes, _ := cmd.Flags().GetStringSlice("exclude")
			rec := recorder.New(c, sess.repo, sess.key, nil, chunkSize, logger).WithExcludes(excludes)

			timestamp := time.Now().UTC().Format(time.RFC3339)
			ref, stats, err := rec.Record(ctx, path, timestamp)
			if err != nil {
				return fmt.Errorf("record %s: %w", path, err)
			}

			if mf.Archives == nil {
				mf.Archives = make(map[string]manifest.ArchiveRef)
			}
			mf.Archives[name] = ref
			mf.Timestamp = timestamp
			if err := manifest.Store(ctx, sess.repo, sess.key, mf); err != nil {
				return fmt.Errorf("store manifest: %w", err)
			}

			if err := c.Commit(); err != nil {
				return err
			}

			cmd.Printf("archive %q recorded: %d files, %d directories, %d unique chunks, %d reused, %d bytes\n",
				name, stats.Files, stats.Directories, stats.UniqueChunks, stats.ReusedChunks, stats.TotalBytes)
			return nil
		},
	}
	cmd.Flags().Int("chunk-size", 0, "fixed chunk size in bytes (default 1 MiB)")
	cmd.Flags().StringSlice("exclude", nil, "shell glob pattern to exclude (repeatable); a directory match excludes its whole subtree")
	return cmd
}

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"atticore/internal/archive"
	"atticore/internal/manifest"
)

func newMountCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount a repository's archives read-only over FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountPoint := args[0]
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

			archiveName, _ := cmd.Flags().GetString("archive")
			scratch, _ := cmd.Flags().GetString("scratch-dir")
			if scratch == "" {
				var err error
				scratch, err = os.MkdirTemp("", "atticore-mount-*")
				if err != nil {
					return fmt.Errorf("create scratch dir: %w", err)
				}
				defer os.RemoveAll(scratch)
			}

			server, items, err := archive.Mount(mountPoint, archive.MountOptions{
				Repository: sess.repo,
				Key:        sess.key,
				Manifest:   mf,
				Archive:    archiveName,
				ScratchDir: scratch,
				Logger:     logger,
			})
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			defer items.Close()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt)
			go func() {
				<-stop
				server.Unmount()
			}()

			server.Wait()
			return nil
		},
	}
	cmd.Flags().String("archive", "", "expose only this archive at the mount root (default: every archive as a subdirectory)")
	cmd.Flags().String("scratch-dir", "", "item cache spill directory (default: a temp dir removed on unmount)")
	return cmd
}

package cli

import (
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"atticore/internal/manifest"
)

func newStatusCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the archives known to a repository's manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			names := make([]string, 0, len(mf.Archives))
			for name := range mf.Archives {
				names = append(names, name)
			}
			sort.Strings(names)

			cmd.Printf("repository %s, manifest timestamp %s\n", sess.repo.ID(), mf.Timestamp)
			for _, name := range names {
				ref := mf.Archives[name]
				cmd.Printf("  %-30s %s  %s\n", name, ref.Timestamp, ref.ID)
			}
			return nil
		},
	}
}

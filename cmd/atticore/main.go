// Command atticore drives a deduplicating backup repository: recording
// archives, syncing a local cache from a repository's manifest, mounting
// an archive read-only over FUSE, and extracting one to a plain directory.
//
// Logging:
//   - The base logger is built once, here, and threaded through every
//     component via dependency injection.
//   - No global slog configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"atticore/cmd/atticore/cli"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := cli.NewRootCommand(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "atticore:", err)
		os.Exit(1)
	}
}

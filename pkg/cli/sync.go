package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <project>",
	Short: "Force a full sandbox scan",
	Long:  `Scan the project's sandbox and push every difference to the canonical store.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		counts, err := getClient().ForceSync(ctx, args[0])
		if err != nil {
			return err
		}
		if PrintJSON(counts) {
			return nil
		}

		PrintNewline()
		if counts.Created+counts.Updated+counts.Deleted == 0 {
			PrintSuccess("Already in sync")
		} else {
			PrintSuccessf("Synced %s", args[0])
			PrintKeyValue("Created", fmt.Sprintf("%d", counts.Created))
			PrintKeyValue("Updated", fmt.Sprintf("%d", counts.Updated))
			PrintKeyValue("Deleted", fmt.Sprintf("%d", counts.Deleted))
		}
		PrintNewline()
		return nil
	},
}

var watcherCmd = &cobra.Command{
	Use:   "watcher <project>",
	Short: "Show change watcher health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		status, err := getClient().WatcherStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if PrintJSON(status) {
			return nil
		}

		PrintNewline()
		printWatcher(status)
		PrintNewline()
		return nil
	},
}

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YallaPapi/pubscrape-sub005/internal/app"
)

// newStatsCmd prints persisted queue and identity counts without mutating
// the store.
func newStatsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print persisted queue and identity statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := app.Inspect(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("inspect store: %w", err)
			}
			if !verbose {
				snap.Summaries = nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("encode stats: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include per-identity health")
	return cmd
}

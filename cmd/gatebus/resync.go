package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/spf13/cobra"
)

var resyncCmd = &cobra.Command{
	Use:     "resync <resource-id>",
	Aliases: []string{"log"},
	Short:   "Replay retained events of a resource",
	GroupID: "bus",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resourceID := args[0]
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		var events []model.Envelope
		hasMore := false
		for {
			resp, err := busClient.Resync(context.Background(), resourceID, after, limit)
			if err != nil {
				return fmt.Errorf("resync %s: %w", resourceID, err)
			}
			events = append(events, resp.Events...)
			hasMore = resp.HasMore
			if !all || !resp.HasMore || len(resp.Events) == 0 {
				break
			}
			after = resp.Events[len(resp.Events)-1].Sequence
		}

		if jsonOutput {
			printJSON(map[string]any{"events": events, "has_more": hasMore})
			return nil
		}
		if len(events) == 0 {
			fmt.Println("no retained events")
			return nil
		}
		printEnvelopeListTable(os.Stdout, events)
		if hasMore {
			fmt.Printf("\nmore events after #%d (use --all)\n", events[len(events)-1].Sequence)
		}
		return nil
	},
}

func init() {
	resyncCmd.Flags().Int64("after", 0, "only events with a sequence above this")
	resyncCmd.Flags().Int("limit", 0, "page size (server default when 0)")
	resyncCmd.Flags().Bool("all", false, "follow pages until the log is exhausted")
}

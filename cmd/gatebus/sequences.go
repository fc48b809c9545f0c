package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sequencesCmd = &cobra.Command{
	Use:     "seq <resource-id>...",
	Aliases: []string{"sequences"},
	Short:   "Show the current sequence of resources",
	GroupID: "bus",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seqs, err := busClient.GetSequences(context.Background(), args)
		if err != nil {
			return fmt.Errorf("getting sequences: %w", err)
		}
		if jsonOutput {
			printJSON(seqs)
			return nil
		}
		printSequencesTable(os.Stdout, seqs)
		return nil
	},
}

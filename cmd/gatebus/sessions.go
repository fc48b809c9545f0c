package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Short:   "Inspect and manage gateway sessions",
	GroupID: "gateway",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gateway sessions on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")

		sessions, err := busClient.ListSessions(context.Background())
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		if state != "" {
			filtered := sessions[:0]
			for _, s := range sessions {
				if s.State == state {
					filtered = append(filtered, s)
				}
			}
			sessions = filtered
		}

		if jsonOutput {
			printJSON(sessions)
			return nil
		}
		printSessionListTable(os.Stdout, sessions)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one gateway session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := busClient.GetSession(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("getting session %s: %w", args[0], err)
		}
		if jsonOutput {
			printJSON(s)
			return nil
		}
		printSessionTable(s)
		return nil
	},
}

var sessionsKillCmd = &cobra.Command{
	Use:     "kill <session-id>...",
	Aliases: []string{"logout"},
	Short:   "Destroy gateway sessions so they cannot be resumed",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := busClient.DeleteSession(context.Background(), id); err != nil {
				return fmt.Errorf("killing session %s: %w", id, err)
			}
			fmt.Printf("Killed session %s\n", id)
		}
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().String("state", "", "only sessions in this state (e.g. ready, disconnected)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsKillCmd)
}

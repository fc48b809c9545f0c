package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/gateway"
	"github.com/alfredjeanlab/gatebus/internal/server"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a gateway token for a user",
	Long: `Mint an HS256 gateway token signed with GATEBUS_JWT_SECRET. The issuer and
audience default to GATEBUS_JWT_ISSUER and GATEBUS_JWT_AUDIENCE.`,
	GroupID: "gateway",
	Args:    cobra.ExactArgs(1),
	// Minting is local; no API client needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")

		secret := os.Getenv("GATEBUS_JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("GATEBUS_JWT_SECRET is not set")
		}

		auth := server.JWTAuthenticator{Secret: []byte(secret), Issuer: issuer, Audience: audience}
		token, err := auth.IssueToken(gateway.User{ID: args[0], Username: username}, ttl)
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]any{
				"token":      token,
				"user_id":    args[0],
				"expires_at": time.Now().Add(ttl).UTC(),
			})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("username", "", "display name carried in the token")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().String("issuer", os.Getenv("GATEBUS_JWT_ISSUER"), "token issuer")
	tokenCmd.Flags().String("audience", os.Getenv("GATEBUS_JWT_AUDIENCE"), "token audience")
}

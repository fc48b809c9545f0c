package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/client"
	"github.com/alfredjeanlab/gatebus/internal/ui"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the gatebus server",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("grpc-check")
		wait, _ := cmd.Flags().GetDuration("wait")

		if useGRPC {
			return grpcHealth(wait)
		}

		status, err := busClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			printJSON(status)
		} else {
			fmt.Printf("Health: %s\n", ui.RenderState(status.Status))
			if status.Error != "" {
				fmt.Printf("Error:  %s\n", status.Error)
			}
		}

		if status.Status != "ok" {
			return fmt.Errorf("unhealthy: %s", status.Status)
		}
		return nil
	},
}

// grpcHealth queries the gRPC health service. With wait > 0 it polls until
// the server is SERVING or the wait runs out.
func grpcHealth(wait time.Duration) error {
	hc, err := client.NewGRPCHealthClient(grpcAddr)
	if err != nil {
		return err
	}
	defer hc.Close()

	ctx := context.Background()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		if err := hc.WaitServing(ctx); err != nil {
			return err
		}
	}

	checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := hc.Check(checkCtx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]string{"status": status, "addr": grpcAddr})
	} else {
		fmt.Printf("gRPC health (%s): %s\n", grpcAddr, ui.RenderState(status))
	}
	if status != "SERVING" {
		return fmt.Errorf("unhealthy: %s", status)
	}
	return nil
}

func init() {
	healthCmd.Flags().Bool("grpc-check", false, "query the gRPC health service instead of HTTP")
	healthCmd.Flags().Duration("wait", 0, "with --grpc-check, wait up to this long for SERVING")
}

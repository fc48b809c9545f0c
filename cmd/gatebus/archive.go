package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/alfredjeanlab/gatebus/internal/archive"
	"github.com/alfredjeanlab/gatebus/internal/config"
	"github.com/alfredjeanlab/gatebus/internal/store/postgres"
	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:     "archive",
	Short:   "Snapshot the retained envelope log",
	GroupID: "system",
	// Archive commands read the database or local files directly.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var archiveExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the Postgres log as JSONL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		compress, _ := cmd.Flags().GetBool("zstd")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("GATEBUS_DATABASE_URL is required to export the log")
		}
		st, err := postgres.New(cfg.DatabaseURL, cfg.LogCap)
		if err != nil {
			return err
		}
		defer st.Close()

		var buf bytes.Buffer
		stats, err := archive.ExportJSONL(context.Background(), st, &buf)
		if err != nil {
			return err
		}
		data := buf.Bytes()
		if compress {
			if data, err = archive.Compress(data); err != nil {
				return err
			}
		}

		if out == "" || out == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := archive.NewFileDestination(out).Write(context.Background(), data); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d envelopes from %d resources to %s\n", stats.Envelopes, stats.Resources, out)
		return nil
	},
}

var archiveCatCmd = &cobra.Command{
	Use:   "cat <file>",
	Short: "Print a snapshot, decompressing zstd snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if archive.IsCompressed(data) {
			if data, err = archive.Decompress(data); err != nil {
				return err
			}
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	archiveExportCmd.Flags().String("out", "", "output file (stdout when empty or -)")
	archiveExportCmd.Flags().Bool("zstd", false, "zstd-compress the snapshot")

	archiveCmd.AddCommand(archiveExportCmd)
	archiveCmd.AddCommand(archiveCatCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alfredjeanlab/gatebus/internal/client"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <type> <resource-id>",
	Short: "Publish an event to a resource",
	Long: `Publish an event. The server assigns the id, timestamp and sequence.

The payload is a JSON value given with --payload, or read from a file
with --payload-file (use "-" for stdin).`,
	Example: `  gatebus publish message.created channel:42 --payload '{"content":"hi"}'
  echo '{"status":"idle"}' | gatebus publish presence.updated user:7 --payload-file -`,
	GroupID: "bus",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inline, _ := cmd.Flags().GetString("payload")
		file, _ := cmd.Flags().GetString("payload-file")
		traceID, _ := cmd.Flags().GetString("trace-id")
		system, _ := cmd.Flags().GetBool("system")

		payload, err := readPayload(inline, file, cmd.InOrStdin())
		if err != nil {
			return err
		}

		req := &client.PublishRequest{
			Type:       args[0],
			ResourceID: args[1],
			Payload:    payload,
			TraceID:    traceID,
		}
		if !system {
			req.ActorID = actor
		}

		env, err := busClient.Publish(context.Background(), req)
		if err != nil {
			return fmt.Errorf("publishing event: %w", err)
		}

		if jsonOutput {
			printJSON(env)
		} else {
			printEnvelopeTable(env)
		}
		return nil
	},
}

// readPayload returns the event payload from an inline value or a file.
// Both empty means no payload.
func readPayload(inline, file string, stdin io.Reader) (json.RawMessage, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	}

	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		data = b
	default:
		return nil, nil
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func init() {
	publishCmd.Flags().String("payload", "", "event payload as JSON")
	publishCmd.Flags().String("payload-file", "", "read the payload from a file (- for stdin)")
	publishCmd.Flags().String("trace-id", "", "trace id to attach to the envelope")
	publishCmd.Flags().Bool("system", false, "publish without an actor")
}

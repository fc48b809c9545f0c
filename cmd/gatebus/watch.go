package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/events"
	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [<resource-id>]",
	Short: "Stream events of a resource as they are published",
	Long: `Stream events of a resource over the server's SSE endpoint. The stream
reconnects after a drop and resumes from the last sequence it printed.

With --nats (or --tap), envelopes are read straight off the fan-out channel instead.
The resource id is then optional and omitting it shows every resource.`,
	GroupID: "bus",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		natsURL, _ := cmd.Flags().GetString("nats")
		tap, _ := cmd.Flags().GetBool("tap")
		if natsURL == "" && tap {
			if natsURL = os.Getenv("GATEBUS_NATS_URL"); natsURL == "" {
				natsURL = activeRemoteNATSURL()
			}
			if natsURL == "" {
				return fmt.Errorf("--tap needs GATEBUS_NATS_URL or a remote with a NATS URL")
			}
		}

		var resourceID string
		if len(args) == 1 {
			resourceID = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		p := &envelopePrinter{last: make(map[string]int64)}
		if natsURL != "" {
			return watchNATS(ctx, natsURL, resourceID, p)
		}
		if resourceID == "" {
			return fmt.Errorf("a resource id is required unless --nats is set")
		}
		p.last[resourceID] = after
		return watchSSE(ctx, resourceID, p)
	},
}

// envelopePrinter prints envelopes once each. Envelopes of one resource can
// arrive out of sequence order when publishes race, so duplicates are
// detected by sequence rather than by comparing with the highest one.
type envelopePrinter struct {
	last map[string]int64 // highest printed sequence; resume cursor
	seen map[string]map[int64]struct{}
}

// seenWindow is how far below the highest printed sequence a late envelope
// is still checked against the printed set. Older ones are dropped.
const seenWindow = 1024

func (p *envelopePrinter) print(env model.Envelope) bool {
	if !p.record(env) {
		return false
	}
	if jsonOutput {
		printJSON(env)
		return true
	}
	fmt.Println(formatEnvelopeLine(env, payloadWidth()))
	return true
}

// record marks env as printed and reports whether it was new.
func (p *envelopePrinter) record(env model.Envelope) bool {
	if p.seen == nil {
		p.seen = make(map[string]map[int64]struct{})
	}
	seen := p.seen[env.ResourceID]
	if seen == nil {
		seen = make(map[int64]struct{})
		p.seen[env.ResourceID] = seen
	}
	last, started := p.last[env.ResourceID]
	if started && env.Sequence <= last-seenWindow {
		return false
	}
	if _, ok := seen[env.Sequence]; ok {
		return false
	}
	seen[env.Sequence] = struct{}{}
	if env.Sequence > last {
		p.last[env.ResourceID] = env.Sequence
		for seq := range seen {
			if seq <= env.Sequence-seenWindow {
				delete(seen, seq)
			}
		}
	}
	return true
}

// watchSSE follows the resource stream, reconnecting with backoff.
func watchSSE(ctx context.Context, resourceID string, p *envelopePrinter) error {
	backoff := 500 * time.Millisecond
	for {
		err := busClient.Watch(ctx, resourceID, p.last[resourceID], func(env model.Envelope) error {
			p.print(env)
			backoff = 500 * time.Millisecond
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Printf("stream: %v (retrying in %s)", err, backoff)
		} else {
			log.Printf("stream closed by server (retrying in %s)", backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

// watchNATS taps the fan-out subject directly.
func watchNATS(ctx context.Context, natsURL, resourceID string, p *envelopePrinter) error {
	fanout, err := events.NewNATSFanout(natsURL,
		nats.Name("gatebus-watch"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer fanout.Close()

	ch, cancel, err := fanout.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to envelopes: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return errors.New("fan-out subscription closed")
			}
			env, err := model.DecodeEnvelope(data)
			if err != nil {
				log.Printf("skipping malformed envelope: %v", err)
				continue
			}
			if resourceID != "" && env.ResourceID != resourceID {
				continue
			}
			p.print(env)
		}
	}
}

func init() {
	watchCmd.Flags().Int64("after", 0, "replay retained events after this sequence first")
	watchCmd.Flags().String("nats", "", "read envelopes from this NATS URL")
	watchCmd.Flags().Bool("tap", false, "read envelopes from the NATS URL of the environment or active remote")
}

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// exportPageSize is how many envelopes ExportJSONL reads per Range call.
const exportPageSize = 1000

// Source is the part of the log the exporter reads.
type Source interface {
	ListResources(ctx context.Context) ([]string, error)
	Range(ctx context.Context, resourceID string, afterSequence int64, limit int) ([]model.Envelope, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Resources int       `json:"resource_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string         `json:"type"`
	Data model.Envelope `json:"data"`
}

// ExportStats summarises one export.
type ExportStats struct {
	Resources int
	Envelopes int
}

// ExportJSONL writes every retained envelope as JSONL to w: a header line,
// then one line per envelope, resources sorted by id and envelopes in
// ascending sequence.
func ExportJSONL(ctx context.Context, src Source, w io.Writer) (ExportStats, error) {
	resources, err := src.ListResources(ctx)
	if err != nil {
		return ExportStats{}, fmt.Errorf("list resources: %w", err)
	}
	sort.Strings(resources)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:   "1",
		Type:      "header",
		Timestamp: time.Now().UTC(),
		Resources: len(resources),
	}); err != nil {
		return ExportStats{}, fmt.Errorf("encode header: %w", err)
	}

	stats := ExportStats{Resources: len(resources)}
	for _, id := range resources {
		var after int64
		for {
			page, err := src.Range(ctx, id, after, exportPageSize)
			if err != nil {
				return stats, fmt.Errorf("range %s after %d: %w", id, after, err)
			}
			for _, env := range page {
				if err := enc.Encode(record{Type: "envelope", Data: env}); err != nil {
					return stats, fmt.Errorf("encode envelope %s: %w", env.ID, err)
				}
				after = env.Sequence
				stats.Envelopes++
			}
			if len(page) < exportPageSize {
				break
			}
		}
	}

	return stats, nil
}

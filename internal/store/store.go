package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// ErrUnavailable wraps failures of the shared counter/log store. Publish
// surfaces it to the caller instead of inventing a sequence number.
var ErrUnavailable = errors.New("store unavailable")

// Sequencer issues per-resource sequence numbers from a shared, atomically
// incrementable counter.
type Sequencer interface {
	// NextSequence atomically increments the resource's counter and returns
	// the new value. The first call for a resource returns 1.
	NextSequence(ctx context.Context, resourceID string) (int64, error)

	// GetSequence returns the current counter value, 0 if none yet.
	GetSequence(ctx context.Context, resourceID string) (int64, error)

	// GetSequences is a batched GetSequence. Every requested id is present
	// in the result.
	GetSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error)
}

// Log is the durable bounded per-resource envelope log used for replay.
type Log interface {
	// Append stores env and trims the resource's log toward the configured
	// cap. Trimming is approximate.
	Append(ctx context.Context, env model.Envelope) error

	// Range returns envelopes with sequence > afterSequence in ascending
	// order, at most limit of them. Entries that fail to decode are skipped.
	Range(ctx context.Context, resourceID string, afterSequence int64, limit int) ([]model.Envelope, error)

	// ListResources returns every resource that currently has log entries.
	ListResources(ctx context.Context) ([]string, error)
}

// Store is the shared state behind the event bus.
type Store interface {
	Sequencer
	Log

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

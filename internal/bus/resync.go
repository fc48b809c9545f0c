package bus

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

const (
	// DefaultResyncLimit is used when Resync is called with limit <= 0.
	DefaultResyncLimit = 50

	// DefaultMaxResyncLimit caps the limit a caller may request.
	DefaultMaxResyncLimit = 2000
)

// ResyncResult is one page of missed envelopes.
type ResyncResult struct {
	Events []model.Envelope `json:"events"`

	// HasMore is true when the page is full. A short page does not prove the
	// client is complete: entries older than the log cap are gone.
	HasMore bool `json:"has_more"`
}

// Resync returns envelopes of resourceID with sequence > afterSequence, in
// ascending order, read from the bounded log only.
func (b *EventBus) Resync(ctx context.Context, resourceID string, afterSequence int64, limit int) (ResyncResult, error) {
	if err := model.ValidateResourceID(resourceID); err != nil {
		return ResyncResult{}, fmt.Errorf("%w: resource_id %s", ErrInvalidInput, err)
	}
	limit = b.clampLimit(limit)
	if afterSequence < 0 {
		afterSequence = 0
	}

	events, err := b.store.Range(ctx, resourceID, afterSequence, limit)
	if err != nil {
		return ResyncResult{}, fmt.Errorf("reading log for %s: %w", resourceID, err)
	}
	if events == nil {
		events = []model.Envelope{}
	}
	return ResyncResult{Events: events, HasMore: len(events) == limit}, nil
}

// MaxResyncLimit returns the largest page Resync will return.
func (b *EventBus) MaxResyncLimit() int {
	return b.maxResyncLimit
}

func (b *EventBus) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultResyncLimit
	}
	if limit > b.maxResyncLimit {
		limit = b.maxResyncLimit
	}
	return limit
}

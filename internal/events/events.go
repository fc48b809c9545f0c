// Package events carries published envelopes between gateway processes.
// Delivery is best effort and live only; replay always reads the store.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// SubjectPrefix is the NATS subject namespace for envelopes. Each envelope is
// published on SubjectPrefix + "." + <resource kind>.
const SubjectPrefix = "gatebus.envelopes"

// SubjectAll matches every envelope subject.
const SubjectAll = SubjectPrefix + ".>"

// subscriberBuffer is the capacity of a Subscribe channel. Messages beyond it
// are dropped rather than blocking the sender.
const subscriberBuffer = 256

// Broadcaster is the cross-process fan-out channel.
type Broadcaster interface {
	// Broadcast publishes env to every subscribed process, including this one.
	Broadcast(ctx context.Context, env model.Envelope) error

	// Subscribe delivers raw JSON envelopes on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe() (<-chan []byte, func(), error)

	// Dropped counts messages discarded because a subscriber channel was
	// full.
	Dropped() uint64

	Close() error
}

// Subject returns the subject an envelope for resourceID is published on.
func Subject(resourceID string) string {
	kind := model.KindOf(resourceID)
	if kind == "" {
		kind = "unknown"
	}
	return SubjectPrefix + "." + string(kind)
}

func encode(env model.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope %s: %w", env.ID, err)
	}
	return data, nil
}

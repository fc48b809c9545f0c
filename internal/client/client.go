// Package client provides a transport-agnostic interface for the gatebus
// admin API and an HTTP/JSON implementation that talks to the REST API.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// Client is the interface the gatebus CLI commands use to talk to a server.
type Client interface {
	// Bus
	Publish(ctx context.Context, req *PublishRequest) (*model.Envelope, error)
	Resync(ctx context.Context, resourceID string, after int64, limit int) (*ResyncResponse, error)
	GetSequence(ctx context.Context, resourceID string) (int64, error)
	GetSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error)

	// Live stream of one resource. fn is called for every envelope in
	// order; returning an error stops the stream.
	Watch(ctx context.Context, resourceID string, after int64, fn func(model.Envelope) error) error

	// Gateway sessions
	ListSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Health
	Health(ctx context.Context) (*HealthStatus, error)

	// Lifecycle
	Close() error
}

// PublishRequest holds parameters for publishing an event.
type PublishRequest struct {
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// ResyncResponse is one page of the replay log.
type ResyncResponse struct {
	Events  []model.Envelope `json:"events"`
	HasMore bool             `json:"has_more"`
}

// Session mirrors a gateway session snapshot.
type Session struct {
	ID   string `json:"session_id"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	State          string    `json:"state"`
	Subscriptions  []string  `json:"subscriptions"`
	CreatedAt      time.Time `json:"created_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitzero"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	Resumes        int       `json:"resumes"`
}

// HealthStatus is the response from GET /v1/health.
type HealthStatus struct {
	Status   string `json:"status"`
	BusReady bool   `json:"bus_ready"`
	Error    string `json:"error,omitempty"`
}

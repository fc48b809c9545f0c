// Package bus is the event bus shared by every gateway process.
//
// Publishers call EventBus.Publish, which assigns the next per-resource
// sequence, appends the envelope to the bounded replay log and broadcasts it
// on the fan-out channel. Every process runs one receive goroutine on that
// channel and hands envelopes to locally registered listeners (gateway
// connections, SSE streams). Clients that missed live traffic catch up with
// Resync, which reads only the log.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/gatebus/internal/events"
	"github.com/alfredjeanlab/gatebus/internal/idgen"
	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/store"
)

// ErrInvalidInput wraps caller mistakes (unknown event type, malformed
// resource id, bad payload). Transports map it to a client error.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotInitialized is returned by Init-dependent calls before Init.
var ErrNotInitialized = errors.New("event bus not initialized")

// DefaultDispatchBuffer is the capacity of the channel between the receive
// and dispatch goroutines.
const DefaultDispatchBuffer = 1024

// dropLogInterval spaces out the fan-out drop warnings.
const dropLogInterval = time.Minute

// Options configures an EventBus. Zero values select defaults.
type Options struct {
	Logger         *slog.Logger
	DispatchBuffer int
	MaxResyncLimit int
}

// PublishRequest is what a collaborator hands to Publish. The bus fills in
// id, timestamp and sequence.
type PublishRequest struct {
	Type       model.EventType `json:"type"`
	ActorID    *string         `json:"actor_id,omitempty"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// EventBus publishes envelopes and dispatches received ones to local
// listeners. Collaborators receive it by injection.
type EventBus struct {
	store  store.Store
	fanout events.Broadcaster
	logger *slog.Logger

	dispatchBuffer int
	maxResyncLimit int

	mu        sync.RWMutex
	listeners map[uint64]*Subscription
	nextID    uint64

	lifecycle   sync.Mutex
	initialized bool
	stopped     bool
	cancelSub   func()
	dispatch    chan model.Envelope
	stop        chan struct{}
	wg          sync.WaitGroup

	malformed  atomic.Uint64
	dispatched atomic.Uint64
	panics     atomic.Uint64

	reportedDrops atomic.Uint64
	dropLog       rate.Sometimes
}

// New creates an EventBus over the given store and fan-out channel. Call Init
// before registering listeners that expect live traffic.
func New(st store.Store, fanout events.Broadcaster, opts Options) *EventBus {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DispatchBuffer <= 0 {
		opts.DispatchBuffer = DefaultDispatchBuffer
	}
	if opts.MaxResyncLimit <= 0 {
		opts.MaxResyncLimit = DefaultMaxResyncLimit
	}
	return &EventBus{
		store:          st,
		fanout:         fanout,
		logger:         opts.Logger,
		dispatchBuffer: opts.DispatchBuffer,
		maxResyncLimit: opts.MaxResyncLimit,
		listeners:      make(map[uint64]*Subscription),
		dropLog:        rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
}

// Init subscribes to the fan-out channel and starts the receive and dispatch
// goroutines. It may be called once.
func (b *EventBus) Init(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.initialized {
		return errors.New("event bus already initialized")
	}
	if b.stopped {
		return errors.New("event bus shut down")
	}

	ch, cancel, err := b.fanout.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to fan-out: %w", err)
	}

	b.cancelSub = cancel
	b.dispatch = make(chan model.Envelope, b.dispatchBuffer)
	b.stop = make(chan struct{})
	b.initialized = true

	b.wg.Add(2)
	go b.receiveLoop(ch)
	go b.dispatchLoop()

	b.logger.Info("bus: initialized", "dispatch_buffer", b.dispatchBuffer)
	return nil
}

// Ready reports whether Init has completed and Shutdown has not been called.
func (b *EventBus) Ready() bool {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.initialized && !b.stopped
}

// Shutdown cancels every listener subscription, stops the background
// goroutines and releases the fan-out subscription. It waits for the
// goroutines until ctx is done.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.lifecycle.Lock()
	if b.stopped {
		b.lifecycle.Unlock()
		return nil
	}
	b.stopped = true
	wasInitialized := b.initialized
	b.lifecycle.Unlock()

	for _, sub := range b.snapshot() {
		sub.Cancel()
	}
	if !wasInitialized {
		return nil
	}

	b.cancelSub()
	close(b.stop)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("bus: shut down",
			"dispatched", b.dispatched.Load(),
			"malformed", b.malformed.Load(),
			"fanout_dropped", b.fanout.Dropped())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bus goroutines: %w", ctx.Err())
	}
}

// Publish assigns the next sequence for req.ResourceID, appends the envelope
// to the log and broadcasts it. A sequencer failure fails the publish. A log
// failure is logged and the publish continues, since the fan-out still
// carries the event. A broadcast failure is returned together with the
// envelope because the sequence and log entry are already durable.
func (b *EventBus) Publish(ctx context.Context, req PublishRequest) (model.Envelope, error) {
	if err := validatePublish(req); err != nil {
		return model.Envelope{}, err
	}

	seq, err := b.store.NextSequence(ctx, req.ResourceID)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("assigning sequence: %w", err)
	}

	env := model.Envelope{
		ID:         idgen.NewEnvelopeID(),
		Type:       req.Type,
		Timestamp:  time.Now().UTC(),
		ActorID:    req.ActorID,
		ResourceID: req.ResourceID,
		Sequence:   seq,
		Payload:    req.Payload,
		TraceID:    req.TraceID,
	}
	if env.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
	}

	if err := b.store.Append(ctx, env); err != nil {
		b.logger.Warn("bus: append to log failed",
			"resource_id", env.ResourceID, "sequence", env.Sequence, "err", err)
	}

	if err := b.fanout.Broadcast(ctx, env); err != nil {
		return env, fmt.Errorf("broadcasting %s: %w", env.ID, err)
	}
	return env, nil
}

// GetSequence returns the current sequence of a resource, 0 if none.
func (b *EventBus) GetSequence(ctx context.Context, resourceID string) (int64, error) {
	if err := model.ValidateResourceID(resourceID); err != nil {
		return 0, fmt.Errorf("%w: resource_id %s", ErrInvalidInput, err)
	}
	return b.store.GetSequence(ctx, resourceID)
}

// GetSequences returns the current sequence of every requested resource.
func (b *EventBus) GetSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error) {
	for _, id := range resourceIDs {
		if err := model.ValidateResourceID(id); err != nil {
			return nil, fmt.Errorf("%w: resource_id %q %s", ErrInvalidInput, id, err)
		}
	}
	return b.store.GetSequences(ctx, resourceIDs)
}

// Ping checks the backing store.
func (b *EventBus) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

// Stats is a point-in-time view of the bus counters.
type Stats struct {
	Listeners     int    `json:"listeners"`
	Dispatched    uint64 `json:"dispatched"`
	Malformed     uint64 `json:"malformed"`
	Panics        uint64 `json:"listener_panics"`
	FanoutDropped uint64 `json:"fanout_dropped"`
}

func (b *EventBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.listeners)
	b.mu.RUnlock()
	return Stats{
		Listeners:  n,
		Dispatched: b.dispatched.Load(),
		Malformed:  b.malformed.Load(),
		Panics:     b.panics.Load(),

		FanoutDropped: b.fanout.Dropped(),
	}
}

func validatePublish(req PublishRequest) error {
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, req.Type)
	}
	if err := model.ValidateResourceID(req.ResourceID); err != nil {
		return fmt.Errorf("%w: resource_id %s", ErrInvalidInput, err)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	return nil
}

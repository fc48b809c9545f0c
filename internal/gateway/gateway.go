// Package gateway implements the client session protocol on top of the event
// bus: hello, identify/ready, heartbeat, and resume/resumed.
//
// Sessions are process-local. A client that reconnects to a different
// process cannot resume and falls back to identify, which is always correct
// because the ready snapshot comes from the shared sequencer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/bus"
	"github.com/alfredjeanlab/gatebus/internal/idgen"
	"github.com/alfredjeanlab/gatebus/internal/model"
)

var (
	// ErrSessionExpired is the EXPIRED branch of resume: the session id is
	// unknown, destroyed, or outlived its TTL. The client must identify again.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnknownSession is returned by operations other than Resume when the
	// session id does not exist.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotReady is returned when an operation needs an identified session.
	ErrNotReady = errors.New("session not ready")

	// ErrInvalidState is returned for a transition the state machine forbids,
	// such as identifying twice.
	ErrInvalidState = errors.New("invalid session state")
)

// EventSource is the part of the event bus the gateway consumes.
type EventSource interface {
	GetSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error)
	Resync(ctx context.Context, resourceID string, afterSequence int64, limit int) (bus.ResyncResult, error)
	OnEnvelope(fn bus.Listener) *bus.Subscription
	MaxResyncLimit() int
}

// Compile-time check that the event bus satisfies EventSource.
var _ EventSource = (*bus.EventBus)(nil)

// Config configures a Gateway. Zero values select defaults.
type Config struct {
	// HeartbeatInterval is sent to clients in hello. Default: 41.25s.
	HeartbeatInterval time.Duration

	// MissedHeartbeats is how many intervals may pass without a heartbeat
	// before the session is marked disconnected. Default: 2.
	MissedHeartbeats int

	// SessionTTL is how long a disconnected session stays resumable.
	// Default: 5 minutes.
	SessionTTL time.Duration

	// MaxResumeEvents bounds the missed events a resume may return for any
	// one resource. A client further behind on some resource gets
	// invalid_session. Keep it at or above the log cap, since a resource
	// never retains more than that. Default: 5000.
	MaxResumeEvents int

	// SweepInterval is how often the reaper scans sessions.
	// Default: HeartbeatInterval / 2.
	SweepInterval time.Duration

	// FrameRate and FrameBurst limit inbound frames per connection.
	// Defaults: 10/s, burst 20.
	FrameRate  float64
	FrameBurst int

	// SendQueue is the per-connection outbound envelope buffer. A connection
	// whose queue fills is closed so the client resumes. Default: 256.
	SendQueue int

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 41250 * time.Millisecond
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 2
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.MaxResumeEvents <= 0 {
		c.MaxResumeEvents = 5000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatInterval / 2
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 10
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 20
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// heartbeatTimeout is how long an active session may stay silent.
func (c *Config) heartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}

// Gateway owns the session table of one process.
type Gateway struct {
	source EventSource
	cfg    Config
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a Gateway reading sequences and replay from source.
func New(source EventSource, cfg Config) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		source:   source,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Connect creates a session in CONNECTING for an authenticated user and
// returns the hello payload to send.
func (g *Gateway) Connect(user User) (Session, HelloPayload) {
	now := g.now()
	s := &sessionState{
		id:        idgen.NewSessionID(),
		user:      user,
		state:     StateConnecting,
		subs:      make(map[string]struct{}),
		createdAt: now,
	}

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	return s.snapshot(), HelloPayload{
		HeartbeatInterval: g.cfg.HeartbeatInterval.Milliseconds(),
		SessionID:         s.id,
	}
}

// Identify stores the session's subscriptions, snapshots their current
// sequences from the sequencer and moves the session to READY.
func (g *Gateway) Identify(ctx context.Context, sessionID string, subscriptions []string) (ReadyPayload, error) {
	subs, err := validResources(subscriptions)
	if err != nil {
		return ReadyPayload{}, err
	}

	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	var state State
	if ok {
		state = s.state
	}
	g.mu.RUnlock()
	if !ok {
		return ReadyPayload{}, fmt.Errorf("identify %s: %w", sessionID, ErrUnknownSession)
	}
	if state != StateConnecting {
		return ReadyPayload{}, fmt.Errorf("identify %s in state %s: %w", sessionID, state, ErrInvalidState)
	}

	seqs, err := g.source.GetSequences(ctx, subs)
	if err != nil {
		return ReadyPayload{}, fmt.Errorf("reading sequences: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok = g.sessions[sessionID]
	if !ok {
		return ReadyPayload{}, fmt.Errorf("identify %s: %w", sessionID, ErrUnknownSession)
	}
	if s.state != StateConnecting {
		return ReadyPayload{}, fmt.Errorf("identify %s in state %s: %w", sessionID, s.state, ErrInvalidState)
	}
	for _, r := range subs {
		s.subs[r] = struct{}{}
	}
	s.state = StateReady
	s.lastHeartbeat = g.now()

	return ReadyPayload{
		User:          s.user,
		Sequences:     seqs,
		Subscriptions: subs,
	}, nil
}

// Heartbeat records liveness of an active session. A resumed session
// returns to READY on its first heartbeat.
func (g *Gateway) Heartbeat(sessionID string) (HeartbeatAck, error) {
	return g.heartbeat(sessionID, -1)
}

// heartbeat is Heartbeat for a connection attached at generation gen. A
// connection superseded by a later resume gets ErrInvalidState. gen < 0
// skips the check.
func (g *Gateway) heartbeat(sessionID string, gen int) (HeartbeatAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return HeartbeatAck{}, fmt.Errorf("heartbeat %s: %w", sessionID, ErrUnknownSession)
	}
	if gen >= 0 && s.resumes != gen {
		return HeartbeatAck{}, fmt.Errorf("heartbeat %s: superseded by a resume: %w", sessionID, ErrInvalidState)
	}
	if !s.state.active() {
		return HeartbeatAck{}, fmt.Errorf("heartbeat %s in state %s: %w", sessionID, s.state, ErrNotReady)
	}
	s.state = StateReady
	s.lastHeartbeat = g.now()
	return HeartbeatAck{SessionID: sessionID}, nil
}

// Disconnect marks the session DISCONNECTED after its transport closed. The
// session stays resumable for SessionTTL. A session that never identified
// has nothing to resume and is destroyed.
func (g *Gateway) Disconnect(sessionID string) {
	g.disconnect(sessionID, -1)
}

// disconnect is Disconnect for a connection attached at generation gen; it
// leaves a session alone once a later resume took it over.
func (g *Gateway) disconnect(sessionID string, gen int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return
	}
	if gen >= 0 && s.resumes != gen {
		return
	}
	switch s.state {
	case StateConnecting:
		delete(g.sessions, sessionID)
	case StateDisconnected:
	default:
		s.state = StateDisconnected
		s.disconnectedAt = g.now()
	}
}

// Logout destroys the session immediately.
func (g *Gateway) Logout(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// Resume replays what the client missed on every resource in
// req.LastSequences and moves the session to RESUMED. Unknown, destroyed
// and expired sessions yield ErrSessionExpired. The session id is kept.
func (g *Gateway) Resume(ctx context.Context, req ResumePayload) (ResumedPayload, error) {
	p, _, err := g.resume(ctx, req)
	return p, err
}

// resume also returns the generation the resuming connection is attached at.
func (g *Gateway) resume(ctx context.Context, req ResumePayload) (ResumedPayload, int, error) {
	last := req.LastSequences
	resources := make([]string, 0, len(last))
	for r := range last {
		resources = append(resources, r)
	}
	if _, err := validResources(resources); err != nil {
		return ResumedPayload{}, 0, err
	}
	sort.Strings(resources)

	if err := g.beginResume(req.SessionID); err != nil {
		return ResumedPayload{}, 0, err
	}

	missed, err := g.collectMissed(ctx, resources, last)
	if err != nil {
		g.abortResume(req.SessionID, err)
		return ResumedPayload{}, 0, err
	}

	g.mu.Lock()
	s, ok := g.sessions[req.SessionID]
	if !ok || s.state != StateResuming {
		g.mu.Unlock()
		return ResumedPayload{}, 0, fmt.Errorf("resume %s: %w", req.SessionID, ErrSessionExpired)
	}
	for _, r := range resources {
		s.subs[r] = struct{}{}
	}
	subs := s.subscriptions()
	g.mu.Unlock()

	seqs, err := g.source.GetSequences(ctx, subs)
	if err != nil {
		err = fmt.Errorf("reading sequences: %w", err)
		g.abortResume(req.SessionID, err)
		return ResumedPayload{}, 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok = g.sessions[req.SessionID]
	if !ok || s.state != StateResuming {
		return ResumedPayload{}, 0, fmt.Errorf("resume %s: %w", req.SessionID, ErrSessionExpired)
	}
	s.state = StateResumed
	s.lastHeartbeat = g.now()
	s.disconnectedAt = time.Time{}
	s.resumes++

	return ResumedPayload{
		SessionID:     s.id,
		MissedEvents:  missed,
		Sequences:     seqs,
		Subscriptions: subs,
	}, s.resumes, nil
}

// beginResume moves a resumable session to RESUMING. An active session is
// taken over and its old transport is superseded.
func (g *Gateway) beginResume(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return fmt.Errorf("resume %s: %w", sessionID, ErrSessionExpired)
	}
	if s.expired(g.now(), g.cfg.SessionTTL) {
		delete(g.sessions, sessionID)
		return fmt.Errorf("resume %s: %w", sessionID, ErrSessionExpired)
	}
	switch s.state {
	case StateConnecting, StateResuming:
		return fmt.Errorf("resume %s in state %s: %w", sessionID, s.state, ErrInvalidState)
	}
	if s.state != StateDisconnected {
		s.disconnectedAt = g.now()
	}
	s.state = StateResuming
	return nil
}

// abortResume returns a session to DISCONNECTED after a failed resume so the
// client can retry within its TTL. Resuming too far behind destroys it.
func (g *Gateway) abortResume(sessionID string, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok || s.state != StateResuming {
		return
	}
	if errors.Is(cause, ErrSessionExpired) {
		delete(g.sessions, sessionID)
		return
	}
	s.state = StateDisconnected
}

// collectMissed pages through Resync for every resource. The result is
// ordered by (resource_id, sequence). MaxResumeEvents applies per resource,
// so the total grows with the number of resources resumed.
func (g *Gateway) collectMissed(ctx context.Context, resources []string, last map[string]int64) ([]model.Envelope, error) {
	pageSize := g.source.MaxResyncLimit()
	missed := []model.Envelope{}
	for _, r := range resources {
		after := last[r]
		n := 0
		for {
			page, err := g.source.Resync(ctx, r, after, pageSize)
			if err != nil {
				return nil, fmt.Errorf("resync %s: %w", r, err)
			}
			missed = append(missed, page.Events...)
			n += len(page.Events)
			if n > g.cfg.MaxResumeEvents {
				return nil, fmt.Errorf("more than %d missed events on %s: %w", g.cfg.MaxResumeEvents, r, ErrSessionExpired)
			}
			if !page.HasMore || len(page.Events) == 0 {
				break
			}
			after = page.Events[len(page.Events)-1].Sequence
		}
	}
	return missed, nil
}

// Subscribe adds resources to an identified session and returns the new set
// with the current sequences of the added resources.
func (g *Gateway) Subscribe(ctx context.Context, sessionID string, resources []string) (SubscriptionUpdate, error) {
	add, err := validResources(resources)
	if err != nil {
		return SubscriptionUpdate{}, err
	}
	seqs, err := g.source.GetSequences(ctx, add)
	if err != nil {
		return SubscriptionUpdate{}, fmt.Errorf("reading sequences: %w", err)
	}
	subs, err := g.updateSubs(sessionID, func(s *sessionState) {
		for _, r := range add {
			s.subs[r] = struct{}{}
		}
	})
	if err != nil {
		return SubscriptionUpdate{}, err
	}
	return SubscriptionUpdate{Subscriptions: subs, Sequences: seqs}, nil
}

// Unsubscribe removes resources from an identified session.
func (g *Gateway) Unsubscribe(sessionID string, resources []string) (SubscriptionUpdate, error) {
	subs, err := g.updateSubs(sessionID, func(s *sessionState) {
		for _, r := range resources {
			delete(s.subs, r)
		}
	})
	if err != nil {
		return SubscriptionUpdate{}, err
	}
	return SubscriptionUpdate{Subscriptions: subs, Sequences: map[string]int64{}}, nil
}

func (g *Gateway) updateSubs(sessionID string, fn func(*sessionState)) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	if !s.state.active() {
		return nil, fmt.Errorf("session %s in state %s: %w", sessionID, s.state, ErrNotReady)
	}
	fn(s)
	// Subscription frames count as liveness on the connection, so they do
	// here too.
	s.lastHeartbeat = g.now()
	return s.subscriptions(), nil
}

// Get returns a snapshot of one session.
func (g *Gateway) Get(sessionID string) (Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Roster returns every session, oldest first.
func (g *Gateway) Roster() []Session {
	g.mu.RLock()
	out := make([]Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.snapshot())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func validResources(ids []string) ([]string, error) {
	for _, id := range ids {
		if err := model.ValidateResourceID(id); err != nil {
			return nil, fmt.Errorf("%w: resource %q %s", bus.ErrInvalidInput, id, err)
		}
	}
	return normalizeResources(ids), nil
}

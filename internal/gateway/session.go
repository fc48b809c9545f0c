package gateway

import (
	"sort"
	"time"
)

// State is a session's position in the gateway state machine.
type State string

const (
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateResuming     State = "resuming"
	StateResumed      State = "resumed"
)

// active reports whether the session is expected to heartbeat.
func (s State) active() bool {
	return s == StateReady || s == StateResumed
}

// Session is a snapshot of one session, as returned by Get and Roster.
type Session struct {
	ID             string    `json:"session_id"`
	User           User      `json:"user"`
	State          State     `json:"state"`
	Subscriptions  []string  `json:"subscriptions"`
	CreatedAt      time.Time `json:"created_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitzero"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	Resumes        int       `json:"resumes"`
}

type sessionState struct {
	id             string
	user           User
	state          State
	subs           map[string]struct{}
	createdAt      time.Time
	lastHeartbeat  time.Time
	disconnectedAt time.Time
	resumes        int
}

func (s *sessionState) subscriptions() []string {
	out := make([]string, 0, len(s.subs))
	for r := range s.subs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (s *sessionState) snapshot() Session {
	return Session{
		ID:             s.id,
		User:           s.user,
		State:          s.state,
		Subscriptions:  s.subscriptions(),
		CreatedAt:      s.createdAt,
		LastHeartbeat:  s.lastHeartbeat,
		DisconnectedAt: s.disconnectedAt,
		Resumes:        s.resumes,
	}
}

// expired reports whether a disconnected session has outlived ttl.
func (s *sessionState) expired(now time.Time, ttl time.Duration) bool {
	return s.state == StateDisconnected && now.Sub(s.disconnectedAt) > ttl
}

// normalizeResources de-duplicates and sorts resource ids.
func normalizeResources(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// Op names a gateway frame.
type Op string

const (
	OpHello          Op = "hello"           // server → client
	OpIdentify       Op = "identify"        // client → server
	OpReady          Op = "ready"           // server → client
	OpHeartbeat      Op = "heartbeat"       // client → server
	OpHeartbeatAck   Op = "heartbeat_ack"   // server → client
	OpResume         Op = "resume"          // client → server
	OpResumed        Op = "resumed"         // server → client
	OpInvalidSession Op = "invalid_session" // server → client
	OpDispatch       Op = "dispatch"        // server → client
	OpSubscribe      Op = "subscribe"       // both directions
	OpUnsubscribe    Op = "unsubscribe"     // both directions
	OpLogout         Op = "logout"          // client → server
	OpError          Op = "error"           // server → client
)

// Frame is the wire unit: {"op": "...", "d": {...}}.
type Frame struct {
	Op Op              `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// NewFrame encodes payload as the frame's data.
func NewFrame(op Op, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Op: op}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", op, err)
	}
	return Frame{Op: op, D: data}, nil
}

// Decode unmarshals the frame data into v. A frame without data leaves v
// untouched.
func (f Frame) Decode(v any) error {
	if len(f.D) == 0 || string(f.D) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.D, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Op, err)
	}
	return nil
}

// User is the identity attached to a session by the authenticating transport.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type HelloPayload struct {
	HeartbeatInterval int64  `json:"heartbeat_interval"` // milliseconds
	SessionID         string `json:"session_id"`
}

type IdentifyPayload struct {
	Subscriptions []string `json:"subscriptions"`
}

type ReadyPayload struct {
	User          User             `json:"user"`
	Sequences     map[string]int64 `json:"sequences"`
	Subscriptions []string         `json:"subscriptions"`
}

type ResumePayload struct {
	SessionID     string           `json:"session_id"`
	LastSequences map[string]int64 `json:"last_sequences"`
}

type ResumedPayload struct {
	SessionID     string           `json:"session_id"`
	MissedEvents  []model.Envelope `json:"missed_events"`
	Sequences     map[string]int64 `json:"sequences"`
	Subscriptions []string         `json:"subscriptions"`
}

type HeartbeatAck struct {
	SessionID string `json:"session_id"`
}

// InvalidSessionPayload tells the client its resume was rejected and it must
// identify again on the current connection.
type InvalidSessionPayload struct {
	Resumable bool   `json:"resumable"`
	Reason    string `json:"reason,omitempty"`
}

// SubscribePayload is sent by the client with the resources to add or
// remove.
type SubscribePayload struct {
	Resources []string `json:"resources"`
}

// SubscriptionUpdate answers subscribe and unsubscribe with the resulting
// set and current sequences of the resources that were added.
type SubscriptionUpdate struct {
	Subscriptions []string         `json:"subscriptions"`
	Sequences     map[string]int64 `json:"sequences"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

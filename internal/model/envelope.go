package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampFormat is the wire format for Envelope.Timestamp (ISO-8601, UTC,
// millisecond precision).
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrInvalidEnvelope is returned when an envelope cannot be decoded or fails
// validation.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the unit of real-time delivery. Within one ResourceID the
// Sequence is unique and strictly increasing.
type Envelope struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	ActorID    *string         `json:"actor_id"` // nil for system-generated events
	ResourceID string          `json:"resource_id"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// envelopeJSON mirrors Envelope with the timestamp as a preformatted string.
type envelopeJSON struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Timestamp  string          `json:"timestamp"`
	ActorID    *string         `json:"actor_id"`
	ResourceID string          `json:"resource_id"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// MarshalJSON encodes the envelope with a millisecond ISO-8601 timestamp and
// an explicit null actor for system events.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	return json.Marshal(envelopeJSON{
		ID:         e.ID,
		Type:       e.Type,
		Timestamp:  e.Timestamp.UTC().Format(TimestampFormat),
		ActorID:    e.ActorID,
		ResourceID: e.ResourceID,
		Sequence:   e.Sequence,
		Payload:    payload,
		TraceID:    e.TraceID,
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var ts time.Time
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	*e = Envelope{
		ID:         raw.ID,
		Type:       raw.Type,
		Timestamp:  ts,
		ActorID:    raw.ActorID,
		ResourceID: raw.ResourceID,
		Sequence:   raw.Sequence,
		Payload:    raw.Payload,
		TraceID:    raw.TraceID,
	}
	return nil
}

// Validate checks the fields every stored or delivered envelope must carry.
func (e *Envelope) Validate() error {
	var ve ValidationError
	if e.ID == "" {
		ve.Errors = append(ve.Errors, FieldError{Field: "id", Message: "is required"})
	}
	if !e.Type.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{Field: "type", Message: fmt.Sprintf("unknown event type %q", e.Type)})
	}
	if err := ValidateResourceID(e.ResourceID); err != nil {
		ve.Errors = append(ve.Errors, FieldError{Field: "resource_id", Message: err.Error()})
	}
	if e.Sequence <= 0 {
		ve.Errors = append(ve.Errors, FieldError{Field: "sequence", Message: "must be positive"})
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// DecodeEnvelope parses and validates a JSON-encoded envelope. Any failure
// wraps ErrInvalidEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

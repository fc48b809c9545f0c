package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEnvelope scans a (sequence, envelope) row. The sequence is returned
// even when the JSONB column fails to decode so callers can report it.
func scanEnvelope(row scannable) (int64, model.Envelope, error) {
	var (
		seq  int64
		data []byte
	)
	if err := row.Scan(&seq, &data); err != nil {
		return 0, model.Envelope{}, err
	}
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		return seq, model.Envelope{}, err
	}
	if env.Sequence != seq {
		return seq, model.Envelope{}, fmt.Errorf("%w: stored at sequence %d but carries %d",
			model.ErrInvalidEnvelope, seq, env.Sequence)
	}
	return seq, env, nil
}

// envelopeBytes encodes env for the JSONB column.
func envelopeBytes(env model.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return data, nil
}

package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryNextSequence increments the counter in a single statement so that
// concurrent callers across processes each observe a distinct value.
func queryNextSequence(ctx context.Context, db executor, resourceID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO sequences (resource_id, value, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (resource_id)
		DO UPDATE SET value = sequences.value + 1, updated_at = now()
		RETURNING value`,
		resourceID,
	).Scan(&n)
	return n, err
}

func queryGetSequence(ctx context.Context, db executor, resourceID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT value FROM sequences WHERE resource_id = $1`, resourceID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func queryGetSequences(ctx context.Context, db executor, resourceIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(resourceIDs))
	for _, id := range resourceIDs {
		out[id] = 0
	}
	if len(resourceIDs) == 0 {
		return out, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT resource_id, value FROM sequences WHERE resource_id = ANY($1)`,
		pq.Array(resourceIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func queryAppendEnvelope(ctx context.Context, db executor, env model.Envelope) error {
	data, err := envelopeBytes(env)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO envelopes (resource_id, sequence, envelope)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_id, sequence) DO UPDATE SET envelope = EXCLUDED.envelope`,
		env.ResourceID, env.Sequence, data,
	)
	return err
}

func queryTrimLog(ctx context.Context, db executor, resourceID string, latest int64, logCap int) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM envelopes WHERE resource_id = $1 AND sequence <= $2`,
		resourceID, latest-int64(logCap),
	)
	return err
}

// queryRange reads envelopes after afterSequence in ascending order. Rows
// whose payload no longer decodes are logged and skipped.
func queryRange(ctx context.Context, db executor, resourceID string, afterSequence int64, limit int) ([]model.Envelope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, envelope FROM envelopes
		WHERE resource_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`,
		resourceID, afterSequence, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Envelope
	for rows.Next() {
		seq, env, err := scanEnvelope(rows)
		if err != nil {
			slog.Warn("skipping undecodable log entry",
				"resource_id", resourceID, "sequence", seq, "err", err)
			continue
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func queryListResources(ctx context.Context, db executor) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT resource_id FROM envelopes ORDER BY resource_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/anthropics/orion/internal/domain"
)

// SessionRepo persists serialized SessionState records keyed by session id.
type SessionRepo struct{}

// Save upserts the serialized state. The whole record is replaced on every
// save; checkpoints are atomic from the caller's point of view.
func (r *SessionRepo) Save(ctx context.Context, db Querier, state *domain.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	const q = `INSERT INTO sessions (session_id, phase, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	phase = excluded.phase,
	state_json = excluded.state_json,
	updated_at = excluded.updated_at`

	_, err = db.ExecContext(ctx, q,
		state.SessionID,
		string(state.Phase),
		string(data),
		state.CreatedAtUnix,
		state.UpdatedAtUnix,
	)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save session", err)
	}
	return nil
}

// Load retrieves and decodes a session by id.
func (r *SessionRepo) Load(ctx context.Context, db Querier, sessionID string) (*domain.SessionState, error) {
	const q = `SELECT state_json FROM sessions WHERE session_id = ?`

	var data string
	err := db.QueryRowContext(ctx, q, sessionID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var state domain.SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStateCorrupt.Code, domain.ErrStateCorrupt.Message, err)
	}
	return &state, nil
}

// List returns session ids and phases ordered by most recent update.
func (r *SessionRepo) List(ctx context.Context, db Querier, limit int) ([]SessionRef, error) {
	const q = `SELECT session_id, phase, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var refs []SessionRef
	for rows.Next() {
		var ref SessionRef
		var phase string
		if err := rows.Scan(&ref.SessionID, &phase, &ref.UpdatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		ref.Phase = domain.Phase(phase)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// SessionRef is a lightweight listing entry.
type SessionRef struct {
	SessionID     string       `json:"session_id"`
	Phase         domain.Phase `json:"phase"`
	UpdatedAtUnix int64        `json:"updated_at_unix"`
}

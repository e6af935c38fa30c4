package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/orion/internal/domain"
)

// EventRepo handles the append-only session event log.
type EventRepo struct{}

// Append inserts one event. Duplicate (session, seq) pairs are rejected.
func (r *EventRepo) Append(ctx context.Context, db Querier, ev domain.SessionEvent) error {
	const q = `INSERT INTO session_events (session_id, seq_no, phase, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, q,
		ev.SessionID,
		ev.SeqNo,
		string(ev.Phase),
		ev.EventType,
		ev.PayloadJSON,
		ev.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListBySession returns events with seq_no greater than sinceSeq, in order.
func (r *EventRepo) ListBySession(ctx context.Context, db Querier, sessionID string, sinceSeq int64) ([]domain.SessionEvent, error) {
	const q = `SELECT id, session_id, seq_no, phase, event_type, payload_json, created_at
FROM session_events WHERE session_id = ? AND seq_no > ? ORDER BY seq_no`

	rows, err := db.QueryContext(ctx, q, sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.SessionEvent
	for rows.Next() {
		var ev domain.SessionEvent
		var phase string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.SeqNo, &phase, &ev.EventType, &ev.PayloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Phase = domain.Phase(phase)
		events = append(events, ev)
	}
	return events, rows.Err()
}

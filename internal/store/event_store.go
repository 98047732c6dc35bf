package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
)

// EventRecord is a processed platform event as kept in the outbox. Data
// stays raw so any payload type can be listed without decoding.
type EventRecord struct {
	ID          string             `json:"id"`
	Type        domain.EventType   `json:"type"`
	Timestamp   time.Time          `json:"timestamp"`
	Source      domain.EventSource `json:"source"`
	UserID      string             `json:"user_id,omitempty"`
	UserType    string             `json:"user_type,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	Data        json.RawMessage    `json:"data"`
	Processed   bool               `json:"processed"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func newEventRecord(e domain.PlatformEvent) (EventRecord, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return EventRecord{}, fmt.Errorf("marshaling event data: %w", err)
	}
	return EventRecord{
		ID:          e.ID,
		Type:        e.Type,
		Timestamp:   e.Timestamp,
		Source:      e.Source,
		UserID:      e.UserID,
		UserType:    e.UserType,
		SessionID:   e.Metadata.SessionID,
		Data:        data,
		Processed:   e.Processed,
		ProcessedAt: e.ProcessedAt,
		Error:       e.Error,
	}, nil
}

// RecordEvent appends a processed event to the outbox.
func (s *PostgresStore) RecordEvent(ctx context.Context, e domain.PlatformEvent) error {
	rec, err := newEventRecord(e)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO platform_events (id, event_type, occurred_at, source, user_id, user_type, session_id, data, processed, processed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Type, rec.Timestamp, rec.Source, rec.UserID, rec.UserType, rec.SessionID,
		[]byte(rec.Data), rec.Processed, rec.ProcessedAt, rec.Error)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns the newest outbox entries, optionally of one type.
func (s *PostgresStore) ListEvents(ctx context.Context, eventType string, limit int) ([]EventRecord, error) {
	query := `SELECT id, event_type, occurred_at, source, user_id, user_type, session_id, data, processed, processed_at, error FROM platform_events`
	args := []any{}
	argIdx := 1

	if eventType != "" {
		query += fmt.Sprintf(" WHERE event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}

	query += " ORDER BY occurred_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		var (
			e    EventRecord
			data []byte
		)
		err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.Source, &e.UserID, &e.UserType, &e.SessionID,
			&data, &e.Processed, &e.ProcessedAt, &e.Error)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Data = data
		events = append(events, e)
	}
	return events, rows.Err()
}

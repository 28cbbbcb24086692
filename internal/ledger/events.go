package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/pkg/types"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Emit appends an event from emitter to the log of the current frame. The
// event becomes visible to subscribers once the outermost frame commits.
func (l *Ledger) Emit(ctx context.Context, emitter types.Address, name string, payload interface{}) error {
	return l.Atomic(ctx, func(ctx context.Context) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger: failed to encode %s payload: %w", name, err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("ledger: failed to generate event id: %w", err)
		}
		now := time.Now()

		st := stateFrom(ctx)
		res, err := st.tx.ExecContext(ctx, `
			INSERT INTO events (event_id, emitter, name, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id.String(), emitter[:], name, snappy.Encode(nil, data), now.UnixNano())
		if err != nil {
			return fmt.Errorf("ledger: failed to append %s event: %w", name, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("ledger: failed to read event sequence: %w", err)
		}

		st.published = append(st.published, events.Event{
			Seq:       seq,
			ID:        id,
			Emitter:   emitter,
			Name:      name,
			Payload:   data,
			Timestamp: now,
		})
		return nil
	})
}

// EventFilter selects events from the log. Zero values match everything.
type EventFilter struct {
	Emitter  *types.Address
	Name     string
	AfterSeq int64
	Limit    int
}

// Events reads committed (or, inside a frame, frame-visible) events in
// sequence order.
func (l *Ledger) Events(ctx context.Context, f EventFilter) ([]events.Event, error) {
	query := `SELECT seq, event_id, emitter, name, payload, created_at FROM events WHERE seq > ?`
	args := []interface{}{f.AfterSeq}
	if f.Emitter != nil {
		query += ` AND emitter = ?`
		args = append(args, f.Emitter[:])
	}
	if f.Name != "" {
		query += ` AND name = ?`
		args = append(args, f.Name)
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var id string
		var emitter, compressed []byte
		var createdAt int64
		if err := rows.Scan(&ev.Seq, &id, &emitter, &ev.Name, &compressed, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan event: %w", err)
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("ledger: corrupt payload for event %d: %w", ev.Seq, err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ledger: corrupt id for event %d: %w", ev.Seq, err)
		}
		ev.Emitter = types.BytesToAddress(emitter)
		ev.Payload = payload
		ev.Timestamp = time.Unix(0, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

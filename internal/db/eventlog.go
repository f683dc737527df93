package db

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/headcount/internal/events"
)

// EventLog is an events.Sink that appends envelopes to the event_log table.
// Redelivered envelopes are ignored by event id.
type EventLog struct {
	db    *DB
	codec events.Codec
	now   func() time.Time
}

func NewEventLog(db *DB) *EventLog {
	return &EventLog{db: db, codec: events.JSONCodec{}, now: time.Now}
}

// Write stores the batch in one transaction.
func (l *EventLog) Write(ctx context.Context, batch []events.Envelope) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO event_log (event_id, camera_id, seq, kind, ts_unix_ns, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := l.now().UnixNano()
	for _, env := range batch {
		payload, err := l.codec.Encode(env)
		if err != nil {
			return fmt.Errorf("encode %s: %w", env.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, env.ID, env.CameraID, env.Seq, string(env.Kind), env.Timestamp.UnixNano(), string(payload), now); err != nil {
			return fmt.Errorf("insert %s: %w", env.ID, err)
		}
	}
	return tx.Commit()
}

// Check pings the database.
func (l *EventLog) Check(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// LoggedEvent is a row of the event log.
type LoggedEvent struct {
	ID        string      `json:"id"`
	CameraID  string      `json:"camera_id"`
	Seq       uint64      `json:"seq"`
	Kind      events.Kind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   string      `json:"payload"`
}

// Recent returns up to limit events, newest first.
func (l *EventLog) Recent(ctx context.Context, limit int) ([]LoggedEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, camera_id, seq, kind, ts_unix_ns, payload
		FROM event_log ORDER BY ts_unix_ns DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedEvent
	for rows.Next() {
		var (
			e    LoggedEvent
			kind string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.CameraID, &e.Seq, &kind, &ts, &e.Payload); err != nil {
			return nil, err
		}
		e.Kind = events.Kind(kind)
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByKind returns the number of logged events per kind.
func (l *EventLog) CountByKind(ctx context.Context) (map[events.Kind]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM event_log GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[events.Kind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[events.Kind(kind)] = n
	}
	return out, rows.Err()
}

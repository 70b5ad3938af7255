package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	bead_id TEXT NOT NULL,
	kind INTEGER NOT NULL,
	payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_bead_id ON events(bead_id, seq);
`

// SQLiteStore is a durable EventStore backed by modernc.org/sqlite. Events
// are stored pre-encoded (beadcore.Event.Encode) so the wire format's size
// cap and decode validation apply uniformly regardless of backend.
type SQLiteStore struct {
	db  *sql.DB
	fan *fanout
}

// OpenSQLite opens or creates a SQLite-backed event store at path and
// ensures its schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &beadcore.PersistenceError{Op: "open", Reason: err.Error()}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &beadcore.PersistenceError{Op: "create schema", Reason: err.Error()}
	}
	return &SQLiteStore{db: db, fan: newFanout()}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev beadcore.Event) (uint64, error) {
	payload, err := ev.Encode()
	if err != nil {
		return 0, fmt.Errorf("eventstore: append: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, bead_id, kind, payload) VALUES (?, ?, ?, ?)`,
		ev.EventID.String(), ev.BeadID.String(), int(ev.Kind), payload,
	)
	if err != nil {
		return 0, &beadcore.PersistenceError{Op: "append", Reason: err.Error()}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, &beadcore.PersistenceError{Op: "append: last insert id", Reason: err.Error()}
	}

	s.fan.publish(ev)
	return uint64(seq), nil
}

func (s *SQLiteStore) Read(ctx context.Context, beadID beadcore.BeadID) ([]beadcore.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE bead_id = ? ORDER BY seq ASC`, beadID.String())
	if err != nil {
		return nil, &beadcore.PersistenceError{Op: "read", Reason: err.Error()}
	}
	defer rows.Close()
	return decodeRows(rows)
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]beadcore.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, &beadcore.PersistenceError{Op: "read all", Reason: err.Error()}
	}
	defer rows.Close()
	return decodeRows(rows)
}

func decodeRows(rows *sql.Rows) ([]beadcore.Event, error) {
	var out []beadcore.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &beadcore.PersistenceError{Op: "scan event", Reason: err.Error()}
		}
		ev, err := beadcore.DecodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("eventstore: decode: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &beadcore.PersistenceError{Op: "iterate events", Reason: err.Error()}
	}
	return out, nil
}

func (s *SQLiteStore) Subscribe(_ context.Context) (<-chan beadcore.Event, func()) {
	return s.fan.subscribe()
}

func (s *SQLiteStore) Close() error {
	s.fan.closeAll()
	return s.db.Close()
}

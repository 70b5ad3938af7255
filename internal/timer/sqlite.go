package timer

import (
	"context"
	"database/sql"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS durable_timer (
	id TEXT PRIMARY KEY,
	bead_id TEXT NOT NULL,
	execute_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	fired_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_durable_timer_due ON durable_timer(status, execute_at, id);
`

// SQLiteStore persists timers in the same modernc.org/sqlite database the
// event store can share, matching the teacher's single-*sql.DB,
// many-tables shape (internal/store/store.go).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the timer store's table at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &beadcore.PersistenceError{Op: "open", Reason: err.Error()}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &beadcore.PersistenceError{Op: "create schema", Reason: err.Error()}
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteOn wraps an already-open *sql.DB (e.g. shared with the event
// store) and ensures the timer schema exists on it.
func OpenSQLiteOn(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, &beadcore.PersistenceError{Op: "create schema", Reason: err.Error()}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Schedule(ctx context.Context, beadID beadcore.BeadID, executeAt time.Time, reason string) (beadcore.TimerID, error) {
	id := beadcore.NewID()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO durable_timer (id, bead_id, execute_at, status, reason, updated_at) VALUES (?, ?, ?, 'pending', ?, ?)`,
		id.String(), beadID.String(), executeAt.UTC(), reason, now,
	)
	if err != nil {
		return beadcore.Zero, &beadcore.PersistenceError{Op: "schedule timer", Reason: err.Error()}
	}
	return id, nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, id beadcore.TimerID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE durable_timer SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id.String(),
	)
	if err != nil {
		return &beadcore.PersistenceError{Op: "cancel timer", Reason: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) DueBefore(ctx context.Context, at time.Time) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bead_id, execute_at, status, reason, created_at, updated_at, fired_at
		 FROM durable_timer
		 WHERE status = 'pending' AND execute_at <= ?
		 ORDER BY execute_at ASC, id ASC`,
		at.UTC(),
	)
	if err != nil {
		return nil, &beadcore.PersistenceError{Op: "due timers", Reason: err.Error()}
	}
	defer rows.Close()
	return scanTimers(rows)
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bead_id, execute_at, status, reason, created_at, updated_at, fired_at
		 FROM durable_timer WHERE status = 'pending' ORDER BY execute_at ASC, id ASC`,
	)
	if err != nil {
		return nil, &beadcore.PersistenceError{Op: "pending timers", Reason: err.Error()}
	}
	defer rows.Close()
	return scanTimers(rows)
}

func (s *SQLiteStore) MarkFired(ctx context.Context, id beadcore.TimerID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE durable_timer SET status = 'fired', fired_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		at.UTC(), at.UTC(), id.String(),
	)
	if err != nil {
		return &beadcore.PersistenceError{Op: "mark timer fired", Reason: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id beadcore.TimerID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE durable_timer SET status = 'failed', updated_at = ? WHERE id = ? AND status = 'pending'`,
		at.UTC(), id.String(),
	)
	if err != nil {
		return &beadcore.PersistenceError{Op: "mark timer failed", Reason: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM durable_timer WHERE status IN ('fired', 'cancelled', 'failed') AND updated_at < ?`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, &beadcore.PersistenceError{Op: "prune timers", Reason: err.Error()}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &beadcore.PersistenceError{Op: "prune timers: rows affected", Reason: err.Error()}
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanTimers(rows *sql.Rows) ([]Timer, error) {
	var out []Timer
	for rows.Next() {
		var (
			idStr, beadIDStr, status, reason string
			executeAt, createdAt, updatedAt  time.Time
			firedAt                          sql.NullTime
		)
		if err := rows.Scan(&idStr, &beadIDStr, &executeAt, &status, &reason, &createdAt, &updatedAt, &firedAt); err != nil {
			return nil, &beadcore.PersistenceError{Op: "scan timer", Reason: err.Error()}
		}
		id, err := beadcore.ParseID(idStr)
		if err != nil {
			return nil, err
		}
		beadID, err := beadcore.ParseID(beadIDStr)
		if err != nil {
			return nil, err
		}
		t := Timer{
			ID:        id,
			BeadID:    beadID,
			ExecuteAt: executeAt,
			Status:    parseStatus(status),
			Reason:    reason,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
		if firedAt.Valid {
			ft := firedAt.Time
			t.FiredAt = &ft
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &beadcore.PersistenceError{Op: "iterate timers", Reason: err.Error()}
	}
	return out, nil
}

func parseStatus(s string) beadcore.TimerStatus {
	switch s {
	case "fired":
		return beadcore.TimerFired
	case "cancelled":
		return beadcore.TimerCancelled
	case "failed":
		return beadcore.TimerFailed
	default:
		return beadcore.TimerPending
	}
}

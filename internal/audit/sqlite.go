package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ent0n29/fieldwatch/internal/events"
)

// Fixed width so that lexical ORDER BY matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists monitoring history in a local SQLite file, for
// single-node deployments without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS monitoring_events (
			id            TEXT PRIMARY KEY,
			event_type    TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			target_id     INTEGER NOT NULL,
			target_kind   TEXT NOT NULL,
			supervisor_id INTEGER NOT NULL,
			room_name     TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			at            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_monitoring_events_at ON monitoring_events(at);
		CREATE INDEX IF NOT EXISTS idx_monitoring_events_supervisor ON monitoring_events(supervisor_id, at);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_events (id, event_type, session_id, target_id, target_kind, supervisor_id, room_name, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		string(record.EventType),
		record.SessionID,
		record.TargetID,
		record.TargetKind,
		record.SupervisorID,
		record.RoomName,
		record.Reason,
		record.At.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("append monitoring event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, target_id, target_kind, supervisor_id, room_name, reason, at
		FROM monitoring_events
		WHERE (? = 0 OR supervisor_id = ?) AND (? = '' OR session_id = ?)
		ORDER BY at DESC, rowid DESC LIMIT ?`,
		filter.SupervisorID, filter.SupervisorID,
		filter.SessionID, filter.SessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query monitoring events: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var r Record
		var eventType, at string
		if err := rows.Scan(&r.ID, &eventType, &r.SessionID, &r.TargetID, &r.TargetKind, &r.SupervisorID, &r.RoomName, &r.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan monitoring event row: %w", err)
		}
		r.EventType = events.Type(eventType)
		r.At, err = time.Parse(sqliteTimeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitoring event rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/fieldwatch/internal/events"
)

// PostgresStore persists monitoring history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS monitoring_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			session_id TEXT NOT NULL,
			target_id BIGINT NOT NULL,
			target_kind TEXT NOT NULL,
			supervisor_id BIGINT NOT NULL,
			room_name TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_events_at ON monitoring_events (at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_events_supervisor ON monitoring_events (supervisor_id, at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitoring_events (id, event_type, session_id, target_id, target_kind, supervisor_id, room_name, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID,
		string(record.EventType),
		record.SessionID,
		record.TargetID,
		record.TargetKind,
		record.SupervisorID,
		record.RoomName,
		record.Reason,
		record.At,
	)
	if err != nil {
		return fmt.Errorf("append monitoring event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, session_id, target_id, target_kind, supervisor_id, room_name, reason, at
		 FROM monitoring_events
		 WHERE ($1::BIGINT = 0 OR supervisor_id = $1::BIGINT) AND ($2::TEXT = '' OR session_id = $2::TEXT)
		 ORDER BY at DESC LIMIT $3`,
		filter.SupervisorID,
		filter.SessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query monitoring events: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		var eventType string
		if err := rows.Scan(&r.ID, &eventType, &r.SessionID, &r.TargetID, &r.TargetKind, &r.SupervisorID, &r.RoomName, &r.Reason, &r.At); err != nil {
			return nil, fmt.Errorf("scan monitoring event row: %w", err)
		}
		r.EventType = events.Type(eventType)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitoring event rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

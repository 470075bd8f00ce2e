package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spigell/hh-interviewer/internal/domain"
)

// SQLite keeps session snapshots in an embedded database.
type SQLite struct {
	db *sql.DB
	// writeMu serializes writers to avoid SQLITE_BUSY.
	writeMu sync.Mutex
}

// NewSQLite opens (and creates when missing) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS interview_sessions (
		id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		snapshot_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interview_sessions_updated ON interview_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		phase TEXT NOT NULL,
		round_index INTEGER NOT NULL,
		detail_json TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Session, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM interview_sessions WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return decodeSession([]byte(snapshot))
}

func (s *SQLite) Put(ctx context.Context, id string, session *domain.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO interview_sessions (id, phase, archived, snapshot_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		phase = excluded.phase,
		archived = excluded.archived,
		snapshot_json = excluded.snapshot_json,
		updated_at = excluded.updated_at`

	archived := 0
	if session.Archived {
		archived = 1
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, query,
		id, string(session.Phase), archived, string(data),
		session.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// SessionInfo is a listing row.
type SessionInfo struct {
	ID        string
	Phase     domain.Phase
	Archived  bool
	UpdatedAt time.Time
}

// List returns the most recently updated sessions first.
func (s *SQLite) List(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phase, archived, updated_at FROM interview_sessions ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info      SessionInfo
			phase     string
			archived  int
			updatedAt int64
		)
		if err := rows.Scan(&info.ID, &phase, &archived, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		info.Phase = domain.Phase(phase)
		info.Archived = archived == 1
		info.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

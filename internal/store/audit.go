package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
)

const defaultAuditQueue = 256

// LogAudit writes audit events to the structured log.
type LogAudit struct {
	logger *zap.Logger
}

func NewLogAudit(logger *zap.Logger) *LogAudit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAudit{logger: logger.With(zap.String("component", "audit"))}
}

func (a *LogAudit) Record(_ context.Context, ev AuditEvent) {
	fields := []zap.Field{
		zap.String("session_id", ev.SessionID),
		zap.String("event", ev.Type),
		zap.String("phase", string(ev.Phase)),
		zap.Int("round", ev.RoundIndex),
	}
	if len(ev.Detail) > 0 {
		fields = append(fields, zap.Any("detail", ev.Detail))
	}
	a.logger.Info("audit", fields...)
}

// SQLiteAudit appends audit events to the audit_events table from a
// background writer. When the queue is full the oldest event is dropped.
type SQLiteAudit struct {
	store  *SQLite
	logger *zap.Logger
	queue  chan AuditEvent

	mu      sync.Mutex
	closed  bool
	dropped int

	wg sync.WaitGroup
}

// NewSQLiteAudit starts the background writer. Close flushes pending events.
func NewSQLiteAudit(store *SQLite, queueSize int, logger *zap.Logger) *SQLiteAudit {
	if queueSize <= 0 {
		queueSize = defaultAuditQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &SQLiteAudit{
		store:  store,
		logger: logger.With(zap.String("component", "audit")),
		queue:  make(chan AuditEvent, queueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *SQLiteAudit) Record(_ context.Context, ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- ev:
		return
	default:
	}

	// Queue full: make room by dropping the oldest event.
	select {
	case <-a.queue:
		a.dropped++
	default:
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped++
	}
	a.logger.Warn("audit queue full, dropped oldest event", zap.Int("dropped_total", a.dropped))
}

// Dropped returns the number of events lost to backpressure.
func (a *SQLiteAudit) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *SQLiteAudit) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		if err := a.write(ev); err != nil {
			a.logger.Warn("audit write failed",
				zap.String("session_id", ev.SessionID),
				zap.String("event", ev.Type),
				zap.Error(err),
			)
		}
	}
}

func (a *SQLiteAudit) write(ev AuditEvent) error {
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.store.writeMu.Lock()
	defer a.store.writeMu.Unlock()

	_, err := a.store.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, session_id, type, phase, round_index, detail_json, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Type, string(ev.Phase), ev.RoundIndex, string(detail), ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Close stops accepting events and waits until the queue is written.
func (a *SQLiteAudit) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// Events returns the audit trail of a session in order.
func (a *SQLiteAudit) Events(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT id, session_id, type, phase, round_index, detail_json, at FROM audit_events WHERE session_id = ? ORDER BY at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev     AuditEvent
			phase  string
			detail string
			at     int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &phase, &ev.RoundIndex, &detail, &at); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Phase = domain.Phase(phase)
		ev.At = time.Unix(0, at)
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Package store persists the durable side of the live channel: an append-only
// audit log of room events and per-student section progress. The live
// broadcast never waits on this package's failures; callers log and move on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// AuditEvent is one append-only record of a state-changing room event.
type AuditEvent struct {
	ID        string          `json:"id"`
	LessonID  string          `json:"lesson_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProgressRecord is the durable form of a student's section progress.
type ProgressRecord struct {
	LessonID    string    `json:"lesson_id"`
	StudentID   string    `json:"student_id"`
	SectionID   string    `json:"section_id"`
	Completed   bool      `json:"completed"`
	Progress    float64   `json:"progress"`
	TimeSpentMs int64     `json:"time_spent_ms"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store wraps a SQLite database with a single-writer goroutine. SQLite allows
// one writer at a time; funneling writes through a channel avoids lock
// contention while reads run concurrently under WAL.
type Store struct {
	db      *sql.DB
	writeCh chan writeOp
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// Open opens (or creates) the database at path, applies the schema and starts
// the writer goroutine.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:      db,
		writeCh: make(chan writeOp, 100),
		done:    make(chan struct{}),
		log:     logger.With().Str("component", "store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			lesson_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_lesson ON audit_events (lesson_id, created_at);

		CREATE TABLE IF NOT EXISTS student_progress (
			lesson_id     TEXT NOT NULL,
			student_id    TEXT NOT NULL,
			section_id    TEXT NOT NULL,
			completed     INTEGER NOT NULL DEFAULT 0,
			progress      REAL NOT NULL DEFAULT 0,
			time_spent_ms INTEGER NOT NULL DEFAULT 0,
			updated_at    TIMESTAMP NOT NULL,
			PRIMARY KEY (lesson_id, student_id, section_id)
		);`)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			err := op.fn(s.db)
			if err != nil {
				// One retry after a short pause covers transient lock errors.
				s.log.Warn().Err(err).Msg("database write failed, retrying")
				time.Sleep(500 * time.Millisecond)
				err = op.fn(s.db)
				if err != nil {
					s.log.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-s.done:
			return
		}
	}
}

func (s *Store) write(ctx context.Context, fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	op := writeOp{fn: fn, result: make(chan error, 1)}
	select {
	case s.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStoreClosed
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendEvent records one audit event. Append-only; nothing updates or
// deletes rows in audit_events.
func (s *Store) AppendEvent(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" || ev.LessonID == "" || ev.Type == "" {
		return ErrInvalidEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO audit_events (id, lesson_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.LessonID, ev.Type, string(ev.Payload), ev.Timestamp.UTC())
		return err
	})
}

// EventsForLesson returns the audit trail for a lesson in append order.
func (s *Store) EventsForLesson(ctx context.Context, lessonID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lesson_id, type, payload, created_at FROM audit_events
		 WHERE lesson_id = ? ORDER BY created_at ASC LIMIT ?`, lessonID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.LessonID, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveProgress upserts a progress record. Completion is monotone: once a
// section is completed it stays completed, and progress never decreases.
func (s *Store) SaveProgress(ctx context.Context, rec *ProgressRecord) error {
	if rec.LessonID == "" || rec.StudentID == "" || rec.SectionID == "" {
		return ErrInvalidProgress
	}
	if rec.Progress < 0 {
		rec.Progress = 0
	}
	if rec.Progress > 100 {
		rec.Progress = 100
	}
	if rec.Progress >= 100 {
		rec.Completed = true
	}
	now := time.Now().UTC()
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO student_progress
				(lesson_id, student_id, section_id, completed, progress, time_spent_ms, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (lesson_id, student_id, section_id) DO UPDATE SET
				completed     = MAX(student_progress.completed, excluded.completed),
				progress      = MAX(student_progress.progress, excluded.progress),
				time_spent_ms = student_progress.time_spent_ms + excluded.time_spent_ms,
				updated_at    = excluded.updated_at`,
			rec.LessonID, rec.StudentID, rec.SectionID, rec.Completed, rec.Progress, rec.TimeSpentMs, now)
		return err
	})
}

// GetProgress loads every section record for one student in one lesson.
func (s *Store) GetProgress(ctx context.Context, lessonID, studentID string) ([]*ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lesson_id, student_id, section_id, completed, progress, time_spent_ms, updated_at
		 FROM student_progress WHERE lesson_id = ? AND student_id = ? ORDER BY section_id`,
		lessonID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()

	var records []*ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		if err := rows.Scan(&rec.LessonID, &rec.StudentID, &rec.SectionID,
			&rec.Completed, &rec.Progress, &rec.TimeSpentMs, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// DB exposes the handle for read-only collaborators such as the membership
// lookup.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops the writer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

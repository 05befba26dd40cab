package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lessonsync/pkg/protocol"
)

// SQLite reads enrollments from the classroom_members table. It shares the
// database handle owned by the store; reads run concurrently under WAL.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// EnsureSchema creates the classroom_members table if missing.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS classroom_members (
			classroom_id TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			role         TEXT NOT NULL CHECK (role IN ('teacher', 'student', 'assistant')),
			PRIMARY KEY (classroom_id, user_id)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create classroom_members table: %w", err)
	}
	return nil
}

func (s *SQLite) Member(ctx context.Context, classroomID, userID string) (*Member, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM classroom_members WHERE classroom_id = ? AND user_id = ?`,
		classroomID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	return &Member{ClassroomID: classroomID, UserID: userID, Role: protocol.Role(role)}, nil
}

// Enroll inserts or updates an enrollment. Used by provisioning, not by the
// live channel.
func (s *SQLite) Enroll(ctx context.Context, m *Member) error {
	if !m.Role.Valid() {
		return protocol.ErrInvalidRole
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classroom_members (classroom_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (classroom_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ClassroomID, m.UserID, string(m.Role))
	if err != nil {
		return fmt.Errorf("failed to enroll member: %w", err)
	}
	return nil
}

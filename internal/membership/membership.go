// Package membership answers the one question the gateway asks before letting
// a socket into a room: is this user enrolled in this classroom, and as what.
package membership

import (
	"context"
	"errors"

	"lessonsync/pkg/protocol"
)

var ErrNotMember = errors.New("user is not a member of this classroom")

// Member is one classroom enrollment record.
type Member struct {
	ClassroomID string
	UserID      string
	Role        protocol.Role
}

// Lookup resolves classroom enrollments. Implementations must return
// ErrNotMember when no enrollment exists.
type Lookup interface {
	Member(ctx context.Context, classroomID, userID string) (*Member, error)
}

// Static is an in-memory Lookup for tests and single-node development.
type Static struct {
	members map[string]map[string]protocol.Role // classroomID -> userID -> role
}

func NewStatic() *Static {
	return &Static{members: make(map[string]map[string]protocol.Role)}
}

// Add registers an enrollment. Not safe for concurrent use with Member;
// populate before serving.
func (s *Static) Add(classroomID, userID string, role protocol.Role) {
	if s.members[classroomID] == nil {
		s.members[classroomID] = make(map[string]protocol.Role)
	}
	s.members[classroomID][userID] = role
}

func (s *Static) Member(ctx context.Context, classroomID, userID string) (*Member, error) {
	role, ok := s.members[classroomID][userID]
	if !ok {
		return nil, ErrNotMember
	}
	return &Member{ClassroomID: classroomID, UserID: userID, Role: role}, nil
}

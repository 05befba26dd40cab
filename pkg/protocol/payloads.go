package protocol

import "encoding/json"

// JoinPayload is the join_lesson request body. The same tuple is the join
// context a client re-sends after a reconnect.
type JoinPayload struct {
	LessonID    string `json:"lesson_id"`
	ClassroomID string `json:"classroom_id"`
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
}

// Validate checks identifier formats and the role.
func (p *JoinPayload) Validate() error {
	if !IsValidID(p.LessonID) || !IsValidID(p.ClassroomID) || !IsValidID(p.UserID) {
		return ErrInvalidID
	}
	if !p.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// SectionChangePayload moves the whole room to a new section. Teacher only.
type SectionChangePayload struct {
	LessonID     string          `json:"lesson_id"`
	SectionIndex int             `json:"section_index"`
	Section      json.RawMessage `json:"section,omitempty"`
}

func (p *SectionChangePayload) Validate() error {
	if !IsValidID(p.LessonID) {
		return ErrInvalidID
	}
	if p.SectionIndex < 0 {
		return ErrInvalidSectionIndex
	}
	return nil
}

// LessonStatePayload drives the lesson lifecycle. Teacher only.
type LessonStatePayload struct {
	LessonID       string       `json:"lesson_id"`
	State          LessonStatus `json:"state"`
	CurrentSection int          `json:"current_section"`
}

func (p *LessonStatePayload) Validate() error {
	if !IsValidID(p.LessonID) {
		return ErrInvalidID
	}
	switch p.State {
	case StatusStarted, StatusPaused, StatusResumed, StatusEnded:
		return nil
	}
	return ErrInvalidState
}

// InteractionPayload is a student-originated interaction. The gateway binds
// StudentID to the calling socket's user, so a student can only submit on
// their own behalf.
type InteractionPayload struct {
	LessonID  string          `json:"lesson_id"`
	StudentID string          `json:"student_id"`
	Type      string          `json:"interaction_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (p *InteractionPayload) Validate() error {
	if !IsValidID(p.LessonID) || !IsValidID(p.StudentID) {
		return ErrInvalidID
	}
	if p.Type == "" {
		return ErrEmptyInteractionType
	}
	return nil
}

// AnnotationPayload attaches a teacher annotation to the live lesson.
type AnnotationPayload struct {
	LessonID   string          `json:"lesson_id"`
	Annotation json.RawMessage `json:"annotation"`
}

func (p *AnnotationPayload) Validate() error {
	if !IsValidID(p.LessonID) {
		return ErrInvalidID
	}
	if len(p.Annotation) == 0 {
		return ErrEmptyPayload
	}
	return nil
}

// Broadcast payload bodies.

// UserJoinedData announces a new participant to the rest of the room.
type UserJoinedData struct {
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`
	RoomSize int    `json:"room_size"`
}

// UserLeftData announces a departure, whether deliberate or a disconnect.
type UserLeftData struct {
	UserID   string `json:"user_id"`
	RoomSize int    `json:"room_size"`
}

// SectionChangedData is the room-wide echo of a section_change.
type SectionChangedData struct {
	SectionIndex int             `json:"section_index"`
	Section      json.RawMessage `json:"section,omitempty"`
}

// LessonStateChangedData is the room-wide echo of a lesson_state_change.
type LessonStateChangedData struct {
	State          LessonStatus `json:"state"`
	CurrentSection int          `json:"current_section"`
}

// InteractionReceivedData is fanned out to the room, primarily for teacher
// dashboards.
type InteractionReceivedData struct {
	StudentID string          `json:"student_id"`
	Type      string          `json:"interaction_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AnnotationReceivedData is the room-wide echo of an annotation_added.
type AnnotationReceivedData struct {
	Annotation json.RawMessage `json:"annotation"`
}

// NotificationData is a generic system_notification body.
type NotificationData struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

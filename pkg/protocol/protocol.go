// Package protocol defines the wire format shared by the lesson gateway and
// the client SDK: client frames, acknowledgements, and the server event
// envelope broadcast to rooms.
package protocol

import (
	"encoding/json"
	"time"
)

// Client-to-server event types.
const (
	EventJoinLesson         = "join_lesson"
	EventLeaveLesson        = "leave_lesson"
	EventSectionChange      = "section_change"
	EventLessonStateChange  = "lesson_state_change"
	EventStudentInteraction = "student_interaction"
	EventAnnotationAdded    = "annotation_added"
)

// Server-to-client event types.
const (
	EventAck                        = "ack"
	EventUserJoined                 = "user_joined"
	EventUserLeft                   = "user_left"
	EventSectionChanged             = "section_changed"
	EventLessonStateChanged         = "lesson_state_changed"
	EventStudentInteractionReceived = "student_interaction_received"
	EventAnnotationReceived         = "annotation_received"
	EventLessonEvent                = "lesson_event"
	EventSystemNotification         = "system_notification"
)

// Role is a participant's role within a classroom.
type Role string

const (
	RoleTeacher   Role = "teacher"
	RoleStudent   Role = "student"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent || r == RoleAssistant
}

// LessonStatus is the lifecycle state of a lesson run.
type LessonStatus string

const (
	StatusIdle    LessonStatus = "idle"
	StatusStarted LessonStatus = "started"
	StatusPaused  LessonStatus = "paused"
	StatusResumed LessonStatus = "resumed"
	StatusEnded   LessonStatus = "ended"
)

// Valid reports whether s is a known lesson status.
func (s LessonStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusStarted, StatusPaused, StatusResumed, StatusEnded:
		return true
	}
	return false
}

// CanTransition reports whether a lesson may move from one status to another.
// The run is monotone: idle -> started -> {paused <-> resumed}* -> ended, and
// ended is terminal until a new lesson is loaded.
func CanTransition(from, to LessonStatus) bool {
	switch from {
	case StatusIdle:
		return to == StatusStarted
	case StatusStarted:
		return to == StatusPaused || to == StatusEnded
	case StatusPaused:
		return to == StatusResumed || to == StatusEnded
	case StatusResumed:
		return to == StatusPaused || to == StatusEnded
	case StatusEnded:
		return false
	}
	return false
}

// Frame is a client-to-server message. AckID, when set, asks the gateway to
// answer with an Ack carrying the same ID.
type Frame struct {
	Type  string          `json:"type"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Error codes carried in acknowledgements.
const (
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotMember      = "not_member"
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownEvent   = "unknown_event"

	// CodeConnectionLost is synthesized client side when the transport
	// drops while an acknowledgement is still outstanding.
	CodeConnectionLost = "connection_lost"
)

// ErrorInfo is a machine-readable failure returned over the ack channel.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack answers a Frame that carried an AckID. Authorization failures arrive
// here as typed errors; they never terminate the connection.
type Ack struct {
	Type     string     `json:"type"`
	AckID    string     `json:"ack_id"`
	Success  bool       `json:"success"`
	Error    *ErrorInfo `json:"error,omitempty"`
	RoomSize int        `json:"room_size,omitempty"`
	Seq      int64      `json:"seq,omitempty"`
}

// Envelope is the uniform server-to-client event wrapper. Seq is present on
// teacher-driven state events and increases monotonically per lesson, so
// clients can discard echoes and replays they have already applied.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq,omitempty"`
	// Origin names the socket that caused the event, for events the
	// originator must not receive back (a joiner's own user_joined).
	// It travels between gateway and broker only; the gateway clears
	// it before writing the envelope to any client.
	Origin string `json:"origin,omitempty"`
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(e.Data, v)
}

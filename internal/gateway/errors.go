package gateway

import (
	"errors"

	"lessonsync/pkg/protocol"
)

// Authorization and dispatch errors, returned over the ack channel. None of
// them terminate the connection.
var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrNotMember      = errors.New("user is not a member of the target classroom")
	ErrRoleMismatch   = errors.New("claimed role does not match classroom enrollment")
	ErrNotInRoom      = errors.New("socket has not joined this lesson")
	ErrTeacherOnly    = errors.New("only the teacher may perform this action")
	ErrNotSelf        = errors.New("students may only act on their own behalf")
)

// errorCode maps gateway errors to the machine-readable codes carried in
// acks.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotMember):
		return protocol.CodeNotMember
	case errors.Is(err, ErrTeacherOnly), errors.Is(err, ErrNotSelf), errors.Is(err, ErrRoleMismatch):
		return protocol.CodeForbidden
	case errors.Is(err, ErrNotInRoom):
		return protocol.CodeUnauthorized
	case errors.Is(err, ErrInvalidPayload):
		return protocol.CodeInvalidPayload
	case errors.Is(err, ErrUnknownEvent):
		return protocol.CodeUnknownEvent
	default:
		return protocol.CodeUnauthorized
	}
}

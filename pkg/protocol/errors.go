package protocol

import "errors"

// Payload validation errors.
var (
	ErrInvalidID            = errors.New("identifier must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole          = errors.New("role must be teacher, student or assistant")
	ErrInvalidState         = errors.New("state must be started, paused, resumed or ended")
	ErrInvalidSectionIndex  = errors.New("section index must be non-negative")
	ErrEmptyInteractionType = errors.New("interaction type cannot be empty")
	ErrEmptyPayload         = errors.New("payload cannot be empty")
	ErrPayloadTooLarge      = errors.New("payload exceeds 64KB limit")
)

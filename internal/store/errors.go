package store

import "errors"

var (
	ErrStoreClosed     = errors.New("store is closed")
	ErrInvalidEvent    = errors.New("audit event requires id, lesson_id and type")
	ErrInvalidProgress = errors.New("progress record requires lesson_id, student_id and section_id")
)

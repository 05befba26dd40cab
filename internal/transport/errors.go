package transport

import "errors"

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrWriteTimeout = errors.New("write timed out")
)

package client

import (
	"errors"
	"fmt"

	"lessonsync/pkg/protocol"
)

var (
	ErrManagerClosed      = errors.New("manager is closed")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNoLessonLoaded     = errors.New("no lesson loaded")
	ErrUnknownEnvelope    = errors.New("envelope is not a teacher event")
)

// AckError carries a gateway rejection delivered over the ack channel.
type AckError struct {
	Ack *protocol.Ack
}

func (e *AckError) Error() string {
	if e.Ack != nil && e.Ack.Error != nil {
		return fmt.Sprintf("%s: %s", e.Ack.Error.Code, e.Ack.Error.Message)
	}
	return "request rejected"
}

// Code returns the machine-readable rejection code.
func (e *AckError) Code() string {
	if e.Ack != nil && e.Ack.Error != nil {
		return e.Ack.Error.Code
	}
	return ""
}

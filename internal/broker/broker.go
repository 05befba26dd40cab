// Package broker fans room broadcasts out between gateway instances. A single
// node uses the in-process Memory broker; a horizontally scaled deployment
// uses Redis pub/sub so every instance sees every room's broadcasts.
package broker

import (
	"context"
	"errors"
	"sync"

	"lessonsync/pkg/protocol"
)

var ErrBrokerClosed = errors.New("broker is closed")

// Handler receives every envelope published for a lesson, including those
// published by this same instance.
type Handler func(lessonID string, env *protocol.Envelope)

// Broker distributes room envelopes to all subscribed gateway instances.
type Broker interface {
	Publish(ctx context.Context, lessonID string, env *protocol.Envelope) error
	Subscribe(h Handler)
	Close() error
}

// Memory is the single-instance Broker: publish loops straight back to the
// local handlers.
type Memory struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ctx context.Context, lessonID string, env *protocol.Envelope) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrBrokerClosed
	}
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(lessonID, env)
	}
	return nil
}

func (m *Memory) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = nil
	return nil
}

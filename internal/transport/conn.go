// Package transport owns the server side of the WebSocket channel: the
// connection wrapper with its single writer goroutine, and the HTTP handler
// that authenticates handshakes and pumps frames into the gateway.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lessonsync/pkg/protocol"
)

// Socket is the subset of *websocket.Conn the transport uses. Taking the
// interface lets tests drive a connection without a network peer.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// Conn wraps one client socket. All writes funnel through a single goroutine;
// gorilla/websocket forbids concurrent writers.
type Conn struct {
	ws           Socket
	socketID     string
	userID       string
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu          sync.RWMutex
	lessonID    string
	classroomID string
	role        protocol.Role
	joined      bool
}

// NewConn wraps an upgraded socket. userID comes from the verified handshake
// token and never changes for the life of the connection.
func NewConn(ws Socket, socketID, userID string, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		socketID:     socketID,
		userID:       userID,
		writeCh:      make(chan []byte, 100),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. Returns ErrWriteTimeout if the outbound
// buffer stays full, ErrConnClosed once the connection is torn down.
func (c *Conn) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

func (c *Conn) SocketID() string { return c.socketID }
func (c *Conn) UserID() string   { return c.userID }

// Bind records room membership after a successful join_lesson.
func (c *Conn) Bind(lessonID, classroomID string, role protocol.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lessonID = lessonID
	c.classroomID = classroomID
	c.role = role
	c.joined = true
}

// Unbind clears room membership on leave_lesson.
func (c *Conn) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lessonID = ""
	c.classroomID = ""
	c.role = ""
	c.joined = false
}

// Binding returns the current room membership, if any.
func (c *Conn) Binding() (lessonID, classroomID string, role protocol.Role, joined bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lessonID, c.classroomID, c.role, c.joined
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.ws != nil {
			err = c.ws.Close()
		}
	})
	return err
}

// Package client is the Go SDK for the lesson-sync channel: a reconnecting
// connection manager, the lesson state machine, and the offline outbox queue.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lessonsync/pkg/protocol"
)

// Options configures a Manager. URL is the server base (ws:// or wss://); the
// /lesson namespace is appended.
type Options struct {
	URL   string
	Token string

	// Reconnect schedule. Zero values take the defaults below.
	InitialBackoff       time.Duration // default 500ms
	MaxBackoff           time.Duration // default 30s
	MaxReconnectAttempts int           // default 10

	AckTimeout time.Duration // default 5s
	Dialer     *websocket.Dialer
	Logger     zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// Manager owns one persistent socket. It reconnects with bounded exponential
// backoff and, when a join context is set, transparently re-issues
// join_lesson after every reconnect.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	writeMu  sync.Mutex
	status   Status
	closed   bool
	joinCtx  *protocol.JoinPayload
	acks     map[string]chan *protocol.Ack
	msgSubs  []func(*protocol.Envelope)
	statSubs []func(StatusChange)
}

func NewManager(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "client").Logger(),
		status: StatusDisconnected,
		acks:   make(map[string]chan *protocol.Ack),
	}
}

// OnMessage registers a listener for every inbound envelope.
func (m *Manager) OnMessage(fn func(*protocol.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgSubs = append(m.msgSubs, fn)
}

// OnStatusChange registers an observer of connection status transitions.
func (m *Manager) OnStatusChange(fn func(StatusChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statSubs = append(m.statSubs, fn)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect is idempotent: it returns immediately when already connected,
// otherwise dials and resolves once the transport reports connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setStatus(StatusConnecting, 0, nil)

	ws, err := m.dial(ctx)
	if err != nil {
		m.setStatus(StatusError, 0, err)
		m.setStatus(StatusDisconnected, 0, nil)
		return err
	}

	m.attach(ws)
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := strings.TrimRight(m.opts.URL, "/") + "/lesson"
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	ws, _, err := m.opts.Dialer.DialContext(ctx, endpoint, header)
	return ws, err
}

// attach installs a live socket, flips status, and starts the read loop.
// The join context is snapshotted under the same lock that installs the
// socket: only a join established before this connection is replayed, so a
// first Join racing with the initial Connect cannot be sent twice.
func (m *Manager) attach(ws *websocket.Conn) {
	m.mu.Lock()
	m.ws = ws
	join := m.joinCtx
	m.mu.Unlock()

	m.setStatus(StatusConnected, 0, nil)
	go m.readLoop(ws)
	if join != nil {
		go m.rejoin(join)
	}
}

// rejoin re-issues join_lesson with the given context. This is what makes a
// reconnect transparent to callers.
func (m *Manager) rejoin(join *protocol.JoinPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AckTimeout)
	defer cancel()
	if _, err := m.Call(ctx, protocol.EventJoinLesson, join); err != nil {
		m.log.Warn().Err(err).Str("lesson_id", join.LessonID).Msg("automatic rejoin failed")
	}
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleDrop(ws, err)
			return
		}

		var probe struct {
			Type  string `json:"type"`
			AckID string `json:"ack_id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
			m.log.Debug().Msg("dropping malformed inbound message")
			continue
		}

		if probe.Type == protocol.EventAck {
			var ack protocol.Ack
			if err := json.Unmarshal(data, &ack); err != nil {
				continue
			}
			m.resolveAck(&ack)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		m.fanout(&env)
	}
}

func (m *Manager) fanout(env *protocol.Envelope) {
	m.mu.Lock()
	subs := make([]func(*protocol.Envelope), len(m.msgSubs))
	copy(subs, m.msgSubs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
}

func (m *Manager) resolveAck(ack *protocol.Ack) {
	m.mu.Lock()
	ch, ok := m.acks[ack.AckID]
	if ok {
		delete(m.acks, ack.AckID)
	}
	m.mu.Unlock()
	if ok {
		ch <- ack
	}
}

// handleDrop runs when the read loop dies. Unless the manager was closed
// deliberately, it starts the bounded reconnect schedule.
func (m *Manager) handleDrop(ws *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.ws != ws {
		// an old socket's read loop finishing after a replacement
		m.mu.Unlock()
		return
	}
	m.ws = nil
	closed := m.closed
	m.failPendingAcks()
	m.mu.Unlock()

	if closed {
		return
	}

	m.log.Warn().Err(cause).Msg("connection lost")
	go m.reconnect()
}

// failPendingAcks unblocks every caller waiting on an acknowledgement.
// Callers must hold m.mu.
func (m *Manager) failPendingAcks() {
	for id, ch := range m.acks {
		ch <- &protocol.Ack{AckID: id, Success: false, Error: &protocol.ErrorInfo{
			Code:    protocol.CodeConnectionLost,
			Message: "connection lost",
		}}
		delete(m.acks, id)
	}
}

func (m *Manager) reconnect() {
	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = m.opts.InitialBackoff
	sched.MaxInterval = m.opts.MaxBackoff
	sched.MaxElapsedTime = 0 // attempts, not elapsed time, bound the loop

	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.setStatus(StatusReconnecting, attempt, nil)
		time.Sleep(sched.NextBackOff())

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.AckTimeout)
		ws, err := m.dial(ctx)
		cancel()
		if err == nil {
			m.attach(ws)
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}

	m.setStatus(StatusError, 0, ErrReconnectExhausted)
	m.setStatus(StatusDisconnected, 0, nil)
}

// Emit sends a fire-and-forget frame. Returns false synchronously when not
// connected; buffering is the sync queue's job, not the transport's.
func (m *Manager) Emit(event string, data interface{}) bool {
	return m.send(event, "", data) == nil
}

// Call sends a frame and waits for its acknowledgement. Ack errors (for
// example authorization failures) are returned as *AckError.
func (m *Manager) Call(ctx context.Context, event string, data interface{}) (*protocol.Ack, error) {
	ackID := uuid.New().String()
	ch := make(chan *protocol.Ack, 1)

	m.mu.Lock()
	m.acks[ackID] = ch
	m.mu.Unlock()

	if err := m.send(event, ackID, data); err != nil {
		m.mu.Lock()
		delete(m.acks, ackID)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case ack := <-ch:
		if !ack.Success {
			return ack, &AckError{Ack: ack}
		}
		return ack, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.acks, ackID)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (m *Manager) send(event, ackID string, data interface{}) error {
	m.mu.Lock()
	ws := m.ws
	connected := m.status == StatusConnected && ws != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	var body json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = b
	}
	frame := protocol.Frame{Type: event, AckID: ackID, Data: body}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// Join establishes membership in a lesson room and stores the join context
// for automatic re-join after reconnects.
func (m *Manager) Join(ctx context.Context, join protocol.JoinPayload) (*protocol.Ack, error) {
	if err := join.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.joinCtx = &join
	m.mu.Unlock()

	ack, err := m.Call(ctx, protocol.EventJoinLesson, &join)
	if err != nil {
		m.mu.Lock()
		m.joinCtx = nil
		m.mu.Unlock()
		return ack, err
	}
	return ack, nil
}

// Leave clears the join context and notifies the gateway.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	m.joinCtx = nil
	m.mu.Unlock()

	_, err := m.Call(ctx, protocol.EventLeaveLesson, nil)
	return err
}

// JoinContext returns the stored join tuple, or nil when not joined.
func (m *Manager) JoinContext() *protocol.JoinPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinCtx == nil {
		return nil
	}
	cp := *m.joinCtx
	return &cp
}

// Close tears the connection down, clears all listeners and the join context,
// and stops any reconnect loop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ws := m.ws
	m.ws = nil
	m.joinCtx = nil
	m.msgSubs = nil
	m.statSubs = nil
	m.failPendingAcks()
	m.mu.Unlock()

	m.setStatus(StatusDisconnected, 0, nil)
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (m *Manager) setStatus(s Status, attempt int, err error) {
	m.mu.Lock()
	m.status = s
	subs := make([]func(StatusChange), len(m.statSubs))
	copy(subs, m.statSubs)
	m.mu.Unlock()

	change := StatusChange{Status: s, Attempt: attempt, Err: err}
	for _, fn := range subs {
		fn(change)
	}
}

// Package gateway implements the room-based broadcast gateway: join
// authorization against classroom membership, role-gated state events,
// sequence stamping, audit persistence, and fan-out through the broker.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lessonsync/internal/broker"
	"lessonsync/internal/membership"
	"lessonsync/internal/store"
	"lessonsync/internal/transport"
	"lessonsync/pkg/protocol"
)

// AuditSink receives the append-only trail of state-changing events. Failures
// are logged and swallowed; the live broadcast must not wait on the audit log.
type AuditSink interface {
	AppendEvent(ctx context.Context, ev *store.AuditEvent) error
}

type participant struct {
	conn        *transport.Conn
	userID      string
	classroomID string
	role        protocol.Role
}

// room tracks the sockets subscribed to one lesson's broadcasts plus the
// lesson's event sequence counter. Created lazily on first join, removed when
// the last participant leaves.
type room struct {
	lessonID     string
	participants map[string]*participant // keyed by socketID
	seq          int64
}

func (r *room) nextSeq() int64 {
	r.seq++
	return r.seq
}

// Gateway is the server-side peer of the lesson-sync channel.
type Gateway struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	membership membership.Lookup
	audit      AuditSink
	broker     broker.Broker
	log        zerolog.Logger
}

// New wires the gateway and subscribes it to the broker, so envelopes
// published by any instance reach this instance's local room members.
func New(lookup membership.Lookup, audit AuditSink, b broker.Broker, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		rooms:      make(map[string]*room),
		membership: lookup,
		audit:      audit,
		broker:     b,
		log:        logger.With().Str("component", "gateway").Logger(),
	}
	b.Subscribe(g.deliver)
	return g
}

// deliver writes an envelope to every local member of the lesson's room.
// Origin, when set, names a socket that must not receive the event back
// (the joiner does not see its own user_joined).
func (g *Gateway) deliver(lessonID string, env *protocol.Envelope) {
	g.mu.RLock()
	r, ok := g.rooms[lessonID]
	if !ok {
		g.mu.RUnlock()
		return
	}
	conns := make([]*transport.Conn, 0, len(r.participants))
	for socketID, p := range r.participants {
		if env.Origin != "" && socketID == env.Origin {
			continue
		}
		conns = append(conns, p.conn)
	}
	g.mu.RUnlock()

	// Origin is routing metadata between gateway and broker; clients never
	// see another socket's identifier. The envelope is shared with other
	// broker subscribers, so strip it on a copy.
	if env.Origin != "" {
		cp := *env
		cp.Origin = ""
		env = &cp
	}

	for _, c := range conns {
		if err := c.WriteJSON(env); err != nil {
			g.log.Warn().Err(err).Str("user_id", c.UserID()).Str("event", env.Type).Msg("failed to deliver event")
		}
	}
}

// HandleFrame dispatches one client frame. Every authorization failure is
// answered over the ack channel; nothing here closes the socket.
func (g *Gateway) HandleFrame(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) {
	var err error
	switch frame.Type {
	case protocol.EventJoinLesson:
		err = g.handleJoin(ctx, conn, frame)
	case protocol.EventLeaveLesson:
		err = g.handleLeave(ctx, conn, frame)
	case protocol.EventSectionChange:
		err = g.handleSectionChange(ctx, conn, frame)
	case protocol.EventLessonStateChange:
		err = g.handleLessonStateChange(ctx, conn, frame)
	case protocol.EventStudentInteraction:
		err = g.handleStudentInteraction(ctx, conn, frame)
	case protocol.EventAnnotationAdded:
		err = g.handleAnnotationAdded(ctx, conn, frame)
	default:
		err = ErrUnknownEvent
	}

	if err != nil {
		g.log.Debug().Err(err).Str("event", frame.Type).Str("user_id", conn.UserID()).Msg("frame rejected")
		g.ackError(conn, frame.AckID, err)
	}
}

// HandleDisconnect removes the socket from its room and announces the
// departure. The only side effect of a disconnect.
func (g *Gateway) HandleDisconnect(conn *transport.Conn) {
	g.removeFromRoom(context.Background(), conn)
}

func (g *Gateway) handleJoin(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) error {
	var p protocol.JoinPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return ErrInvalidPayload
	}
	if p.UserID != conn.UserID() {
		return ErrNotSelf
	}

	member, err := g.membership.Member(ctx, p.ClassroomID, p.UserID)
	if err != nil {
		if errors.Is(err, membership.ErrNotMember) {
			return ErrNotMember
		}
		return err
	}
	// The enrollment record is authoritative for the role; a claim that
	// disagrees with it is an authorization failure.
	if p.Role != member.Role {
		return ErrRoleMismatch
	}

	// A socket can be in one room at a time. Joining a second lesson
	// implicitly leaves the first.
	if _, _, _, joined := conn.Binding(); joined {
		g.removeFromRoom(ctx, conn)
	}

	g.mu.Lock()
	r, ok := g.rooms[p.LessonID]
	if !ok {
		r = &room{lessonID: p.LessonID, participants: make(map[string]*participant)}
		g.rooms[p.LessonID] = r
	}
	r.participants[conn.SocketID()] = &participant{
		conn:        conn,
		userID:      p.UserID,
		classroomID: p.ClassroomID,
		role:        member.Role,
	}
	roomSize := len(r.participants)
	seq := r.seq
	g.mu.Unlock()

	conn.Bind(p.LessonID, p.ClassroomID, member.Role)

	g.publish(ctx, p.LessonID, protocol.EventUserJoined, &protocol.UserJoinedData{
		UserID:   p.UserID,
		Role:     member.Role,
		RoomSize: roomSize,
	}, 0, conn.SocketID())

	g.log.Info().Str("lesson_id", p.LessonID).Str("user_id", p.UserID).
		Str("role", string(member.Role)).Int("room_size", roomSize).Msg("participant joined")

	g.ack(conn, frame.AckID, &protocol.Ack{Success: true, RoomSize: roomSize, Seq: seq})
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) error {
	if _, _, _, joined := conn.Binding(); !joined {
		return ErrNotInRoom
	}
	g.removeFromRoom(ctx, conn)
	g.ack(conn, frame.AckID, &protocol.Ack{Success: true})
	return nil
}

func (g *Gateway) handleSectionChange(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) error {
	var p protocol.SectionChangePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return ErrInvalidPayload
	}
	if err := g.requireTeacher(conn, p.LessonID); err != nil {
		return err
	}

	seq := g.stampSeq(p.LessonID)
	g.persistAudit(ctx, p.LessonID, protocol.EventSectionChange, frame.Data)
	g.publish(ctx, p.LessonID, protocol.EventSectionChanged, &protocol.SectionChangedData{
		SectionIndex: p.SectionIndex,
		Section:      p.Section,
	}, seq, "")

	g.ack(conn, frame.AckID, &protocol.Ack{Success: true, Seq: seq})
	return nil
}

func (g *Gateway) handleLessonStateChange(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) error {
	var p protocol.LessonStatePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return ErrInvalidPayload
	}
	if err := g.requireTeacher(conn, p.LessonID); err != nil {
		return err
	}

	seq := g.stampSeq(p.LessonID)
	g.persistAudit(ctx, p.LessonID, protocol.EventLessonStateChange, frame.Data)
	g.publish(ctx, p.LessonID, protocol.EventLessonStateChanged, &protocol.LessonStateChangedData{
		State:          p.State,
		CurrentSection: p.CurrentSection,
	}, seq, "")

	g.ack(conn, frame.AckID, &protocol.Ack{Success: true, Seq: seq})
	return nil
}

func (g *Gateway) handleStudentInteraction(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) error {
	var p protocol.InteractionPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return ErrInvalidPayload
	}

	lessonID, _, _, joined := conn.Binding()
	if !joined || lessonID != p.LessonID {
		return ErrNotInRoom
	}
	// A student may only submit on their own behalf.
	if p.StudentID != conn.UserID() {
		return ErrNotSelf
	}

	g.persistAudit(ctx, p.LessonID, protocol.EventStudentInteraction, frame.Data)
	g.publish(ctx, p.LessonID, protocol.EventStudentInteractionReceived, &protocol.InteractionReceivedData{
		StudentID: p.StudentID,
		Type:      p.Type,
		Data:      p.Data,
	}, 0, "")

	g.ack(conn, frame.AckID, &protocol.Ack{Success: true})
	return nil
}

func (g *Gateway) handleAnnotationAdded(ctx context.Context, conn *transport.Conn, frame *protocol.Frame) error {
	var p protocol.AnnotationPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return ErrInvalidPayload
	}
	if err := g.requireTeacher(conn, p.LessonID); err != nil {
		return err
	}

	seq := g.stampSeq(p.LessonID)
	g.persistAudit(ctx, p.LessonID, protocol.EventAnnotationAdded, frame.Data)
	g.publish(ctx, p.LessonID, protocol.EventAnnotationReceived, &protocol.AnnotationReceivedData{
		Annotation: p.Annotation,
	}, seq, "")

	g.ack(conn, frame.AckID, &protocol.Ack{Success: true, Seq: seq})
	return nil
}

// LessonEvent pushes an opaque lesson_event payload to every member of a
// room. Used by out-of-band producers (scheduling, content updates) that are
// not part of the realtime protocol.
func (g *Gateway) LessonEvent(ctx context.Context, lessonID string, data json.RawMessage) {
	g.publish(ctx, lessonID, protocol.EventLessonEvent, data, 0, "")
}

// SystemNotify pushes a system_notification to every member of a room.
func (g *Gateway) SystemNotify(ctx context.Context, lessonID, event, message string) {
	g.publish(ctx, lessonID, protocol.EventSystemNotification, &protocol.NotificationData{
		Event:   event,
		Message: message,
	}, 0, "")
}

// requireTeacher checks the socket is in the named room with the teacher
// role. At most one enrollment per classroom carries the teacher role, which
// keeps a single authoritative teacher per room.
func (g *Gateway) requireTeacher(conn *transport.Conn, lessonID string) error {
	boundLesson, _, role, joined := conn.Binding()
	if !joined || boundLesson != lessonID {
		return ErrNotInRoom
	}
	if role != protocol.RoleTeacher {
		return ErrTeacherOnly
	}
	return nil
}

func (g *Gateway) stampSeq(lessonID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[lessonID]
	if !ok {
		return 0
	}
	return r.nextSeq()
}

// persistAudit appends to the audit log. Errors are logged and swallowed so
// the live broadcast always proceeds.
func (g *Gateway) persistAudit(ctx context.Context, lessonID, eventType string, payload json.RawMessage) {
	if g.audit == nil {
		return
	}
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		LessonID:  lessonID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := g.audit.AppendEvent(ctx, ev); err != nil {
		g.log.Error().Err(err).Str("lesson_id", lessonID).Str("event", eventType).Msg("audit persistence failed")
	}
}

func (g *Gateway) publish(ctx context.Context, lessonID, eventType string, data interface{}, seq int64, origin string) {
	body, err := json.Marshal(data)
	if err != nil {
		g.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal broadcast payload")
		return
	}
	env := &protocol.Envelope{
		Type:      eventType,
		Data:      body,
		Timestamp: time.Now(),
		Seq:       seq,
		Origin:    origin,
	}
	if err := g.broker.Publish(ctx, lessonID, env); err != nil {
		g.log.Error().Err(err).Str("lesson_id", lessonID).Str("event", eventType).Msg("broker publish failed")
	}
}

// removeFromRoom drops the socket from its room, garbage-collects the room
// when empty, and announces user_left to whoever remains.
func (g *Gateway) removeFromRoom(ctx context.Context, conn *transport.Conn) {
	lessonID, _, _, joined := conn.Binding()
	if !joined {
		return
	}

	g.mu.Lock()
	r, ok := g.rooms[lessonID]
	if !ok {
		g.mu.Unlock()
		conn.Unbind()
		return
	}
	delete(r.participants, conn.SocketID())
	roomSize := len(r.participants)
	if roomSize == 0 {
		delete(g.rooms, lessonID)
	}
	g.mu.Unlock()

	conn.Unbind()

	if roomSize > 0 {
		g.publish(ctx, lessonID, protocol.EventUserLeft, &protocol.UserLeftData{
			UserID:   conn.UserID(),
			RoomSize: roomSize,
		}, 0, "")
	}

	g.log.Info().Str("lesson_id", lessonID).Str("user_id", conn.UserID()).
		Int("room_size", roomSize).Msg("participant left")
}

// RoomSize reports the local membership count for a lesson.
func (g *Gateway) RoomSize(lessonID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if r, ok := g.rooms[lessonID]; ok {
		return len(r.participants)
	}
	return 0
}

// Stats summarizes gateway state for the operations API.
func (g *Gateway) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, r := range g.rooms {
		total += len(r.participants)
	}
	return map[string]int{
		"active_rooms":       len(g.rooms),
		"total_participants": total,
	}
}

func (g *Gateway) ack(conn *transport.Conn, ackID string, a *protocol.Ack) {
	if ackID == "" {
		return
	}
	a.Type = protocol.EventAck
	a.AckID = ackID
	if err := conn.WriteJSON(a); err != nil {
		g.log.Warn().Err(err).Str("user_id", conn.UserID()).Msg("failed to send ack")
	}
}

func (g *Gateway) ackError(conn *transport.Conn, ackID string, err error) {
	g.ack(conn, ackID, &protocol.Ack{
		Success: false,
		Error:   &protocol.ErrorInfo{Code: errorCode(err), Message: err.Error()},
	})
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonsync/internal/broker"
	"lessonsync/internal/membership"
	"lessonsync/internal/store"
	"lessonsync/internal/transport"
	"lessonsync/pkg/protocol"
)

// fakeSocket records everything written to it. Reads block forever; gateway
// tests drive frames through HandleFrame directly.
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSocket) ReadMessage() (int, []byte, error)                 { select {} }
func (f *fakeSocket) WriteControl(int, []byte, time.Time) error         { return nil }
func (f *fakeSocket) SetReadLimit(int64)                                {}
func (f *fakeSocket) SetReadDeadline(time.Time) error                   { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error                  { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error)                 {}
func (f *fakeSocket) Close() error                                      { return nil }

func (f *fakeSocket) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// findEnvelope returns the first written envelope of the given type.
func (f *fakeSocket) findEnvelope(eventType string) *protocol.Envelope {
	for _, raw := range f.messages() {
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == eventType {
			return &env
		}
	}
	return nil
}

func (f *fakeSocket) findAck(ackID string) *protocol.Ack {
	for _, raw := range f.messages() {
		var ack protocol.Ack
		if json.Unmarshal(raw, &ack) == nil && ack.Type == protocol.EventAck && ack.AckID == ackID {
			return &ack
		}
	}
	return nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*store.AuditEvent
	fail   bool
}

func (a *recordingAudit) AppendEvent(_ context.Context, ev *store.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("audit store unavailable")
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func newTestConn(userID string) (*transport.Conn, *fakeSocket) {
	fs := &fakeSocket{}
	return transport.NewConn(fs, uuid.New().String(), userID, time.Second), fs
}

func waitAck(t *testing.T, fs *fakeSocket, ackID string) *protocol.Ack {
	t.Helper()
	var ack *protocol.Ack
	require.Eventually(t, func() bool {
		ack = fs.findAck(ackID)
		return ack != nil
	}, time.Second, 5*time.Millisecond, "no ack %q received", ackID)
	return ack
}

func waitEnvelope(t *testing.T, fs *fakeSocket, eventType string) *protocol.Envelope {
	t.Helper()
	var env *protocol.Envelope
	require.Eventually(t, func() bool {
		env = fs.findEnvelope(eventType)
		return env != nil
	}, time.Second, 5*time.Millisecond, "no %s envelope received", eventType)
	return env
}

func testLookup() *membership.Static {
	lookup := membership.NewStatic()
	lookup.Add("C1", "teacher-1", protocol.RoleTeacher)
	lookup.Add("C1", "student-1", protocol.RoleStudent)
	lookup.Add("C1", "student-2", protocol.RoleStudent)
	return lookup
}

func newTestGateway(t *testing.T, audit AuditSink) *Gateway {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	return New(testLookup(), audit, b, zerolog.Nop())
}

func joinFrame(t *testing.T, lessonID, classroomID, userID string, role protocol.Role, ackID string) *protocol.Frame {
	t.Helper()
	data, err := json.Marshal(protocol.JoinPayload{
		LessonID: lessonID, ClassroomID: classroomID, UserID: userID, Role: role,
	})
	require.NoError(t, err)
	return &protocol.Frame{Type: protocol.EventJoinLesson, AckID: ackID, Data: data}
}

func mustJoin(t *testing.T, g *Gateway, conn *transport.Conn, fs *fakeSocket, userID string, role protocol.Role) {
	t.Helper()
	g.HandleFrame(context.Background(), conn, joinFrame(t, "L1", "C1", userID, role, "join-"+userID))
	ack := waitAck(t, fs, "join-"+userID)
	require.True(t, ack.Success)
}

func TestJoinLessonSuccess(t *testing.T) {
	g := newTestGateway(t, nil)
	conn, fs := newTestConn("teacher-1")

	g.HandleFrame(context.Background(), conn, joinFrame(t, "L1", "C1", "teacher-1", protocol.RoleTeacher, "a1"))

	ack := waitAck(t, fs, "a1")
	assert.True(t, ack.Success)
	assert.Equal(t, 1, ack.RoomSize)
	assert.Equal(t, 1, g.RoomSize("L1"))
}

func TestJoinLessonRejectsNonMember(t *testing.T) {
	g := newTestGateway(t, nil)
	conn, fs := newTestConn("stranger")

	g.HandleFrame(context.Background(), conn, joinFrame(t, "L1", "C1", "stranger", protocol.RoleStudent, "a1"))

	ack := waitAck(t, fs, "a1")
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, protocol.CodeNotMember, ack.Error.Code)
	assert.Equal(t, 0, g.RoomSize("L1"))
}

func TestJoinLessonRejectsRoleMismatch(t *testing.T) {
	g := newTestGateway(t, nil)
	conn, fs := newTestConn("student-1")

	// student-1 claims the teacher role
	g.HandleFrame(context.Background(), conn, joinFrame(t, "L1", "C1", "student-1", protocol.RoleTeacher, "a1"))

	ack := waitAck(t, fs, "a1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeForbidden, ack.Error.Code)
	assert.Equal(t, 0, g.RoomSize("L1"))
}

func TestJoinLessonRejectsTokenMismatch(t *testing.T) {
	g := newTestGateway(t, nil)
	// socket authenticated as student-2 joining as student-1
	conn, fs := newTestConn("student-2")

	g.HandleFrame(context.Background(), conn, joinFrame(t, "L1", "C1", "student-1", protocol.RoleStudent, "a1"))

	ack := waitAck(t, fs, "a1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeForbidden, ack.Error.Code)
}

func TestJoinBroadcastsUserJoinedToOthersOnly(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")

	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	env := waitEnvelope(t, teacherFS, protocol.EventUserJoined)
	var data protocol.UserJoinedData
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, "student-1", data.UserID)
	assert.Equal(t, protocol.RoleStudent, data.Role)
	assert.Equal(t, 2, data.RoomSize)

	// the joiner must not see its own user_joined
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, studentFS.findEnvelope(protocol.EventUserJoined))
}

func TestDeliveredEnvelopesCarryNoSocketOrigin(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")

	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	// the originating socket's identifier stays between gateway and broker
	env := waitEnvelope(t, teacherFS, protocol.EventUserJoined)
	assert.Empty(t, env.Origin)
}

func sectionChangeFrame(t *testing.T, lessonID string, index int, ackID string) *protocol.Frame {
	t.Helper()
	data, err := json.Marshal(protocol.SectionChangePayload{
		LessonID:     lessonID,
		SectionIndex: index,
		Section:      json.RawMessage(`{"title":"Experiment"}`),
	})
	require.NoError(t, err)
	return &protocol.Frame{Type: protocol.EventSectionChange, AckID: ackID, Data: data}
}

func TestSectionChangeBroadcastToWholeRoom(t *testing.T) {
	audit := &recordingAudit{}
	g := newTestGateway(t, audit)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	g.HandleFrame(context.Background(), teacher, sectionChangeFrame(t, "L1", 2, "sc1"))

	// every socket in the room receives it, the sender included
	for _, fs := range []*fakeSocket{teacherFS, studentFS} {
		env := waitEnvelope(t, fs, protocol.EventSectionChanged)
		var data protocol.SectionChangedData
		require.NoError(t, env.DecodeData(&data))
		assert.Equal(t, 2, data.SectionIndex)
		assert.JSONEq(t, `{"title":"Experiment"}`, string(data.Section))
		assert.Equal(t, int64(1), env.Seq)
	}

	ack := waitAck(t, teacherFS, "sc1")
	assert.True(t, ack.Success)
	assert.Equal(t, int64(1), ack.Seq)
	assert.Equal(t, 1, audit.count())
}

func TestSectionChangeRejectedForStudent(t *testing.T) {
	audit := &recordingAudit{}
	g := newTestGateway(t, audit)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	g.HandleFrame(context.Background(), student, sectionChangeFrame(t, "L1", 2, "sc1"))

	ack := waitAck(t, studentFS, "sc1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeForbidden, ack.Error.Code)

	// no broadcast reached anyone
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, teacherFS.findEnvelope(protocol.EventSectionChanged))
	assert.Nil(t, studentFS.findEnvelope(protocol.EventSectionChanged))
	assert.Equal(t, 0, audit.count())
}

func TestSequenceNumbersIncreasePerLesson(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)

	g.HandleFrame(context.Background(), teacher, sectionChangeFrame(t, "L1", 0, "s1"))
	g.HandleFrame(context.Background(), teacher, sectionChangeFrame(t, "L1", 1, "s2"))

	ack1 := waitAck(t, teacherFS, "s1")
	ack2 := waitAck(t, teacherFS, "s2")
	assert.Equal(t, int64(1), ack1.Seq)
	assert.Equal(t, int64(2), ack2.Seq)
}

func TestLessonStateChangeTeacherOnly(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	data, err := json.Marshal(protocol.LessonStatePayload{LessonID: "L1", State: protocol.StatusStarted})
	require.NoError(t, err)

	g.HandleFrame(context.Background(), teacher, &protocol.Frame{Type: protocol.EventLessonStateChange, AckID: "t1", Data: data})
	require.True(t, waitAck(t, teacherFS, "t1").Success)

	env := waitEnvelope(t, studentFS, protocol.EventLessonStateChanged)
	var body protocol.LessonStateChangedData
	require.NoError(t, env.DecodeData(&body))
	assert.Equal(t, protocol.StatusStarted, body.State)

	g.HandleFrame(context.Background(), student, &protocol.Frame{Type: protocol.EventLessonStateChange, AckID: "s1", Data: data})
	ack := waitAck(t, studentFS, "s1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeForbidden, ack.Error.Code)
}

func TestStudentInteractionSelfOnly(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	own, err := json.Marshal(protocol.InteractionPayload{
		LessonID: "L1", StudentID: "student-1", Type: "hand_raise", Data: json.RawMessage(`{"raised":true}`),
	})
	require.NoError(t, err)
	g.HandleFrame(context.Background(), student, &protocol.Frame{Type: protocol.EventStudentInteraction, AckID: "i1", Data: own})
	require.True(t, waitAck(t, studentFS, "i1").Success)

	env := waitEnvelope(t, teacherFS, protocol.EventStudentInteractionReceived)
	var body protocol.InteractionReceivedData
	require.NoError(t, env.DecodeData(&body))
	assert.Equal(t, "student-1", body.StudentID)
	assert.Equal(t, "hand_raise", body.Type)

	// impersonation attempt
	other, err := json.Marshal(protocol.InteractionPayload{
		LessonID: "L1", StudentID: "student-2", Type: "hand_raise",
	})
	require.NoError(t, err)
	g.HandleFrame(context.Background(), student, &protocol.Frame{Type: protocol.EventStudentInteraction, AckID: "i2", Data: other})
	ack := waitAck(t, studentFS, "i2")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeForbidden, ack.Error.Code)
}

func TestAnnotationAddedTeacherOnly(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	data, err := json.Marshal(protocol.AnnotationPayload{
		LessonID: "L1", Annotation: json.RawMessage(`{"kind":"highlight","target":"p3"}`),
	})
	require.NoError(t, err)

	g.HandleFrame(context.Background(), student, &protocol.Frame{Type: protocol.EventAnnotationAdded, AckID: "a1", Data: data})
	assert.False(t, waitAck(t, studentFS, "a1").Success)

	g.HandleFrame(context.Background(), teacher, &protocol.Frame{Type: protocol.EventAnnotationAdded, AckID: "a2", Data: data})
	require.True(t, waitAck(t, teacherFS, "a2").Success)

	env := waitEnvelope(t, studentFS, protocol.EventAnnotationReceived)
	var body protocol.AnnotationReceivedData
	require.NoError(t, env.DecodeData(&body))
	assert.JSONEq(t, `{"kind":"highlight","target":"p3"}`, string(body.Annotation))
}

func TestAuditFailureDoesNotBlockBroadcast(t *testing.T) {
	audit := &recordingAudit{fail: true}
	g := newTestGateway(t, audit)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	g.HandleFrame(context.Background(), teacher, sectionChangeFrame(t, "L1", 1, "sc1"))

	assert.True(t, waitAck(t, teacherFS, "sc1").Success)
	assert.NotNil(t, waitEnvelope(t, studentFS, protocol.EventSectionChanged))
}

func TestDisconnectBroadcastsUserLeftAndCollectsRoom(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	g.HandleDisconnect(student)

	env := waitEnvelope(t, teacherFS, protocol.EventUserLeft)
	var body protocol.UserLeftData
	require.NoError(t, env.DecodeData(&body))
	assert.Equal(t, "student-1", body.UserID)
	assert.Equal(t, 1, body.RoomSize)
	assert.Equal(t, 1, g.RoomSize("L1"))

	g.HandleDisconnect(teacher)
	assert.Equal(t, 0, g.RoomSize("L1"))

	stats := g.Stats()
	assert.Equal(t, 0, stats["active_rooms"])
	assert.Equal(t, 0, stats["total_participants"])
}

func TestLeaveLessonAcknowledged(t *testing.T) {
	g := newTestGateway(t, nil)
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	g.HandleFrame(context.Background(), student, &protocol.Frame{Type: protocol.EventLeaveLesson, AckID: "l1"})
	assert.True(t, waitAck(t, studentFS, "l1").Success)
	assert.Equal(t, 0, g.RoomSize("L1"))

	// leaving again is an error, not a crash
	g.HandleFrame(context.Background(), student, &protocol.Frame{Type: protocol.EventLeaveLesson, AckID: "l2"})
	ack := waitAck(t, studentFS, "l2")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeUnauthorized, ack.Error.Code)
}

func TestUnknownEventAcked(t *testing.T) {
	g := newTestGateway(t, nil)
	conn, fs := newTestConn("teacher-1")

	g.HandleFrame(context.Background(), conn, &protocol.Frame{Type: "dance_party", AckID: "x1"})
	ack := waitAck(t, fs, "x1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeUnknownEvent, ack.Error.Code)
}

func TestActionBeforeJoinRejected(t *testing.T) {
	g := newTestGateway(t, nil)
	conn, fs := newTestConn("teacher-1")

	g.HandleFrame(context.Background(), conn, sectionChangeFrame(t, "L1", 0, "s1"))
	ack := waitAck(t, fs, "s1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeUnauthorized, ack.Error.Code)
}

func TestPushEventsReachWholeRoom(t *testing.T) {
	g := newTestGateway(t, nil)
	teacher, teacherFS := newTestConn("teacher-1")
	student, studentFS := newTestConn("student-1")
	mustJoin(t, g, teacher, teacherFS, "teacher-1", protocol.RoleTeacher)
	mustJoin(t, g, student, studentFS, "student-1", protocol.RoleStudent)

	g.SystemNotify(context.Background(), "L1", "maintenance", "restarting in 5 minutes")
	g.LessonEvent(context.Background(), "L1", json.RawMessage(`{"kind":"content_updated"}`))

	for _, fs := range []*fakeSocket{teacherFS, studentFS} {
		notice := waitEnvelope(t, fs, protocol.EventSystemNotification)
		var data protocol.NotificationData
		require.NoError(t, notice.DecodeData(&data))
		assert.Equal(t, "maintenance", data.Event)

		event := waitEnvelope(t, fs, protocol.EventLessonEvent)
		assert.JSONEq(t, `{"kind":"content_updated"}`, string(event.Data))
	}
}

package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonsync/pkg/protocol"
)

// Section is one sub-unit of a lesson.
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Interaction is one student action attached to a section.
type Interaction struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SectionProgress tracks the student's standing in one section. Completed is
// monotone: it flips to true when progress reaches 100 and never reverts.
type SectionProgress struct {
	SectionID    string        `json:"section_id"`
	Completed    bool          `json:"completed"`
	Progress     float64       `json:"progress"`
	TimeSpentMs  int64         `json:"time_spent_ms"`
	Interactions []Interaction `json:"interactions,omitempty"`
}

// LessonSession is the canonical local view of a lesson run. All mutations go
// through Apply (for teacher-driven transitions) or the student action
// methods, each of which also produces exactly one outbox item.
type LessonSession struct {
	mu       sync.Mutex
	userID   string
	lessonID string
	sections []Section
	current  int
	status   protocol.LessonStatus
	progress map[string]*SectionProgress
	lastSeq  int64

	// wall-clock section timing: zero when not actively timing
	sectionStart time.Time
	now          func() time.Time

	queue *SyncQueue
	log   zerolog.Logger
}

// NewLessonSession builds a session for one user. Every user-visible action
// lands in queue whether or not the socket is currently connected.
func NewLessonSession(userID string, queue *SyncQueue, logger zerolog.Logger) *LessonSession {
	return &LessonSession{
		userID:   userID,
		current:  -1,
		status:   protocol.StatusIdle,
		progress: make(map[string]*SectionProgress),
		now:      time.Now,
		queue:    queue,
		log:      logger.With().Str("component", "lesson").Logger(),
	}
}

// Load resets the session for a new lesson: status idle, sequence gate
// cleared, progress emptied.
func (s *LessonSession) Load(lessonID string, sections []Section) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessonID = lessonID
	s.sections = append([]Section(nil), sections...)
	s.current = -1
	s.status = protocol.StatusIdle
	s.progress = make(map[string]*SectionProgress)
	s.lastSeq = 0
	s.sectionStart = time.Time{}
}

// Apply applies one teacher event. It reports whether the event changed
// state: events with a sequence number at or below the last applied one are
// dropped, and transitions the lifecycle forbids are no-ops, which makes the
// echoed self-broadcast of an optimistic local change harmless.
func (s *LessonSession) Apply(ev TeacherEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ev)
}

func (s *LessonSession) applyLocked(ev TeacherEvent) bool {
	if s.lessonID == "" {
		return false
	}
	if n := ev.seq(); n > 0 {
		if n <= s.lastSeq {
			s.log.Debug().Int64("seq", n).Int64("last", s.lastSeq).Msg("dropping already-applied event")
			return false
		}
		s.lastSeq = n
	}

	switch e := ev.(type) {
	case LessonStarted:
		if !s.transition(protocol.StatusStarted) {
			return false
		}
		s.enterSection(e.CurrentSection)
		return true

	case SectionChanged:
		if s.current == e.SectionIndex {
			return false
		}
		s.enterSection(e.SectionIndex)
		return true

	case LessonPaused:
		if !s.transition(protocol.StatusPaused) {
			return false
		}
		s.stopTiming()
		return true

	case LessonResumed:
		if !s.transition(protocol.StatusResumed) {
			return false
		}
		s.startTiming()
		return true

	case LessonEnded:
		if !s.transition(protocol.StatusEnded) {
			return false
		}
		s.stopTiming()
		return true
	}
	return false
}

// HandleEnvelope decodes and applies an inbound broadcast. Envelopes that are
// not teacher events are ignored without error.
func (s *LessonSession) HandleEnvelope(env *protocol.Envelope) bool {
	ev, err := DecodeTeacherEvent(env)
	if err != nil {
		return false
	}
	return s.Apply(ev)
}

func (s *LessonSession) transition(to protocol.LessonStatus) bool {
	from := s.status
	// resumed and started are equivalent sources for pause/end checks
	if !protocol.CanTransition(from, to) {
		s.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("ignoring invalid transition")
		return false
	}
	s.status = to
	return true
}

// enterSection accumulates time for the section being left and starts the
// clock on the new one, when the run is live.
func (s *LessonSession) enterSection(index int) {
	s.stopTiming()
	s.current = index
	if s.status == protocol.StatusStarted || s.status == protocol.StatusResumed {
		s.startTiming()
	}
}

func (s *LessonSession) startTiming() {
	if s.current >= 0 && s.current < len(s.sections) {
		s.sectionStart = s.now()
	}
}

// stopTiming folds now-start into the active section's TimeSpentMs. Explicit
// start/stop bookkeeping avoids drift and double counting across pause and
// resume cycles.
func (s *LessonSession) stopTiming() {
	if s.sectionStart.IsZero() {
		return
	}
	elapsed := s.now().Sub(s.sectionStart)
	s.sectionStart = time.Time{}
	if s.current < 0 || s.current >= len(s.sections) {
		return
	}
	p := s.progressFor(s.sections[s.current].ID)
	p.TimeSpentMs += elapsed.Milliseconds()
}

func (s *LessonSession) progressFor(sectionID string) *SectionProgress {
	p, ok := s.progress[sectionID]
	if !ok {
		p = &SectionProgress{SectionID: sectionID}
		s.progress[sectionID] = p
	}
	return p
}

// --- teacher-side actions: apply locally, then enqueue for the gateway ---

// Start begins the run and announces it.
func (s *LessonSession) Start() error {
	return s.teacherAction(LessonStarted{CurrentSection: 0}, protocol.StatusStarted)
}

// Pause suspends the run and announces it.
func (s *LessonSession) Pause() error {
	return s.teacherAction(LessonPaused{}, protocol.StatusPaused)
}

// Resume continues the run and announces it.
func (s *LessonSession) Resume() error {
	return s.teacherAction(LessonResumed{}, protocol.StatusResumed)
}

// End terminates the run and announces it.
func (s *LessonSession) End() error {
	return s.teacherAction(LessonEnded{}, protocol.StatusEnded)
}

func (s *LessonSession) teacherAction(ev TeacherEvent, state protocol.LessonStatus) error {
	s.mu.Lock()
	if s.lessonID == "" {
		s.mu.Unlock()
		return ErrNoLessonLoaded
	}
	s.applyLocked(ev)
	lessonID := s.lessonID
	current := s.current
	s.mu.Unlock()

	return s.queue.Add(protocol.EventLessonStateChange, &protocol.LessonStatePayload{
		LessonID:       lessonID,
		State:          state,
		CurrentSection: current,
	})
}

// ChangeSection moves the room to a new section and announces it.
func (s *LessonSession) ChangeSection(index int) error {
	s.mu.Lock()
	if s.lessonID == "" {
		s.mu.Unlock()
		return ErrNoLessonLoaded
	}
	var section json.RawMessage
	if index >= 0 && index < len(s.sections) {
		section, _ = json.Marshal(s.sections[index])
	}
	s.applyLocked(SectionChanged{SectionIndex: index, Section: section})
	lessonID := s.lessonID
	s.mu.Unlock()

	return s.queue.Add(protocol.EventSectionChange, &protocol.SectionChangePayload{
		LessonID:     lessonID,
		SectionIndex: index,
		Section:      section,
	})
}

// --- student-side actions: mutate local progress, always enqueue ---

// UpdateSectionProgress merges a progress report, marks completion once
// progress reaches 100, appends any attached interaction record, and always
// produces one outbox item regardless of connectivity.
func (s *LessonSession) UpdateSectionProgress(sectionID string, progress float64, data json.RawMessage) error {
	s.mu.Lock()
	if s.lessonID == "" {
		s.mu.Unlock()
		return ErrNoLessonLoaded
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	p := s.progressFor(sectionID)
	if progress > p.Progress {
		p.Progress = progress
	}
	if p.Progress >= 100 {
		p.Completed = true
	}
	if len(data) > 0 {
		p.Interactions = append(p.Interactions, Interaction{
			Type: "progress", Data: data, Timestamp: s.now(),
		})
	}
	payload := struct {
		LessonID    string          `json:"lesson_id"`
		StudentID   string          `json:"student_id"`
		SectionID   string          `json:"section_id"`
		Progress    float64         `json:"progress"`
		Completed   bool            `json:"completed"`
		TimeSpentMs int64           `json:"time_spent_ms"`
		Data        json.RawMessage `json:"data,omitempty"`
	}{s.lessonID, s.userID, sectionID, p.Progress, p.Completed, p.TimeSpentMs, data}
	s.mu.Unlock()

	return s.queue.Add("progress_update", &payload)
}

// RecordInteraction attributes an interaction to the currently active
// section and enqueues it for the gateway.
func (s *LessonSession) RecordInteraction(interactionType string, data json.RawMessage) error {
	s.mu.Lock()
	if s.lessonID == "" {
		s.mu.Unlock()
		return ErrNoLessonLoaded
	}
	if s.current >= 0 && s.current < len(s.sections) {
		p := s.progressFor(s.sections[s.current].ID)
		p.Interactions = append(p.Interactions, Interaction{
			Type: interactionType, Data: data, Timestamp: s.now(),
		})
	}
	lessonID := s.lessonID
	s.mu.Unlock()

	return s.queue.Add(protocol.EventStudentInteraction, &protocol.InteractionPayload{
		LessonID:  lessonID,
		StudentID: s.userID,
		Type:      interactionType,
		Data:      data,
	})
}

// RaiseHand toggles the hand-raise flag.
func (s *LessonSession) RaiseHand(raised bool) error {
	data, _ := json.Marshal(map[string]bool{"raised": raised})
	return s.RecordInteraction("hand_raise", data)
}

// AskQuestion submits a free-text question.
func (s *LessonSession) AskQuestion(text string) error {
	data, _ := json.Marshal(map[string]string{"text": text})
	return s.RecordInteraction("question", data)
}

// SubmitActivityPayload submits an activity result.
func (s *LessonSession) SubmitActivityPayload(payload json.RawMessage) error {
	return s.RecordInteraction("activity_submit", payload)
}

// --- accessors ---

func (s *LessonSession) Status() protocol.LessonStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *LessonSession) CurrentSectionIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *LessonSession) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Progress returns a copy of the progress record for a section, or nil.
func (s *LessonSession) Progress(sectionID string) *SectionProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[sectionID]
	if !ok {
		return nil
	}
	cp := *p
	cp.Interactions = append([]Interaction(nil), p.Interactions...)
	return &cp
}

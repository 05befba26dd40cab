package client

import (
	"encoding/json"

	"lessonsync/pkg/protocol"
)

// TeacherEvent is the closed set of teacher-driven transitions a client
// applies. Local teacher actions and decoded broadcasts both flow through
// LessonSession.Apply with these values, so every client applies state
// changes through the identical code path.
type TeacherEvent interface {
	seq() int64
	teacherEvent()
}

// SectionChanged moves the room to a new section.
type SectionChanged struct {
	Seq          int64
	SectionIndex int
	Section      json.RawMessage
}

// LessonStarted begins the teaching run.
type LessonStarted struct {
	Seq            int64
	CurrentSection int
}

// LessonPaused suspends the run.
type LessonPaused struct {
	Seq int64
}

// LessonResumed continues a paused run.
type LessonResumed struct {
	Seq int64
}

// LessonEnded terminates the run.
type LessonEnded struct {
	Seq int64
}

func (e SectionChanged) seq() int64 { return e.Seq }
func (e LessonStarted) seq() int64  { return e.Seq }
func (e LessonPaused) seq() int64   { return e.Seq }
func (e LessonResumed) seq() int64  { return e.Seq }
func (e LessonEnded) seq() int64    { return e.Seq }

func (SectionChanged) teacherEvent() {}
func (LessonStarted) teacherEvent()  {}
func (LessonPaused) teacherEvent()   {}
func (LessonResumed) teacherEvent()  {}
func (LessonEnded) teacherEvent()    {}

// DecodeTeacherEvent translates an inbound envelope into the sum type.
// Returns ErrUnknownEnvelope for envelope types that are not teacher-driven
// state changes (user_joined, interactions, notifications).
func DecodeTeacherEvent(env *protocol.Envelope) (TeacherEvent, error) {
	switch env.Type {
	case protocol.EventSectionChanged:
		var data protocol.SectionChangedData
		if err := env.DecodeData(&data); err != nil {
			return nil, err
		}
		return SectionChanged{Seq: env.Seq, SectionIndex: data.SectionIndex, Section: data.Section}, nil

	case protocol.EventLessonStateChanged:
		var data protocol.LessonStateChangedData
		if err := env.DecodeData(&data); err != nil {
			return nil, err
		}
		switch data.State {
		case protocol.StatusStarted:
			return LessonStarted{Seq: env.Seq, CurrentSection: data.CurrentSection}, nil
		case protocol.StatusPaused:
			return LessonPaused{Seq: env.Seq}, nil
		case protocol.StatusResumed:
			return LessonResumed{Seq: env.Seq}, nil
		case protocol.StatusEnded:
			return LessonEnded{Seq: env.Seq}, nil
		}
		return nil, ErrUnknownEnvelope

	default:
		return nil, ErrUnknownEnvelope
	}
}

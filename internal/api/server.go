// Package api serves the REST surface that sits beside the realtime channel:
// baseline progress load/save, health, and gateway statistics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lessonsync/internal/store"
	"lessonsync/pkg/protocol"
)

// GatewayStats is the subset of the gateway the API reads.
type GatewayStats interface {
	Stats() map[string]int
}

// Server handles the non-realtime HTTP endpoints.
type Server struct {
	store   *store.Store
	gateway GatewayStats
	mux     *http.ServeMux
	log     zerolog.Logger
}

func NewServer(st *store.Store, gw GatewayStats, logger zerolog.Logger) *Server {
	s := &Server{
		store:   st,
		gateway: gw,
		mux:     http.NewServeMux(),
		log:     logger.With().Str("component", "api").Logger(),
	}
	s.mux.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("/api/stats", s.jsonMiddleware(http.HandlerFunc(s.handleStats)))
	s.mux.Handle("/api/progress/", s.jsonMiddleware(http.HandlerFunc(s.handleProgress)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.Stats())
}

// handleProgress serves GET and PUT /api/progress/{lessonID}/{studentID}.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/progress/"), "/")
	if len(parts) != 2 {
		s.writeError(w, http.StatusBadRequest, "expected /api/progress/{lesson_id}/{student_id}")
		return
	}
	lessonID, studentID := parts[0], parts[1]
	if !protocol.IsValidID(lessonID) || !protocol.IsValidID(studentID) {
		s.writeError(w, http.StatusBadRequest, "invalid identifier")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getProgress(w, r, lessonID, studentID)
	case http.MethodPut:
		s.saveProgress(w, r, lessonID, studentID)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request, lessonID, studentID string) {
	records, err := s.store.GetProgress(r.Context(), lessonID, studentID)
	if err != nil {
		s.log.Error().Err(err).Str("lesson_id", lessonID).Msg("failed to load progress")
		s.writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	if records == nil {
		records = []*store.ProgressRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lesson_id":  lessonID,
		"student_id": studentID,
		"sections":   records,
	})
}

type progressUpdate struct {
	SectionID   string  `json:"section_id"`
	Progress    float64 `json:"progress"`
	TimeSpentMs int64   `json:"time_spent_ms"`
}

func (s *Server) saveProgress(w http.ResponseWriter, r *http.Request, lessonID, studentID string) {
	var upd progressUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec := &store.ProgressRecord{
		LessonID:    lessonID,
		StudentID:   studentID,
		SectionID:   upd.SectionID,
		Progress:    upd.Progress,
		TimeSpentMs: upd.TimeSpentMs,
	}
	if err := s.store.SaveProgress(r.Context(), rec); err != nil {
		if errors.Is(err, store.ErrInvalidProgress) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("lesson_id", lessonID).Msg("failed to save progress")
		s.writeError(w, http.StatusInternalServerError, "failed to save progress")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"completed": rec.Completed,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

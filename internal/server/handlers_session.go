package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/session"
)

// workoutRequest is the body of prepare and start. Prepare reads only Type.
type workoutRequest struct {
	Type      string `json:"type"`
	ActiveSec int64  `json:"active_sec"`
	RestSec   int64  `json:"rest_sec"`
	Rounds    int    `json:"rounds"`
}

func (q workoutRequest) configuration() (models.WorkoutConfiguration, error) {
	return models.ConfigurationFromSeconds(q.ActiveSec, q.RestSec, q.Rounds)
}

func decodeWorkout(w http.ResponseWriter, r *http.Request) (workoutRequest, models.WorkoutType, bool) {
	var q workoutRequest
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return q, 0, false
	}
	wt, err := models.ParseWorkoutType(q.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return q, 0, false
	}
	return q, wt, true
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

func (s *Server) handleOwnership(w http.ResponseWriter, r *http.Request) {
	own, err := s.host.Ownership(r.Context())
	if err != nil {
		s.writeSessionError(w, "ownership", err)
		return
	}
	writeJSON(w, http.StatusOK, own)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	_, wt, ok := decodeWorkout(w, r)
	if !ok {
		return
	}
	if err := s.host.Prepare(r.Context(), wt); err != nil {
		s.writeSessionError(w, "prepare", err)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	q, wt, ok := decodeWorkout(w, r)
	if !ok {
		return
	}
	cfg, err := q.configuration()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	own, err := s.host.Ownership(r.Context())
	if err != nil {
		s.writeSessionError(w, "start", err)
		return
	}
	if own.OwnedByOther {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session is owned by another client"})
		return
	}
	if err := s.host.Start(r.Context(), wt, cfg); err != nil {
		s.writeSessionError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "pause", s.host.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "resume", s.host.Resume)
}

func (s *Server) handleMarkRound(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "mark round", s.host.MarkRound)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "end", s.host.End)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.writeSessionError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

// writeSessionError maps controller errors to status codes. Anything that is
// not a rejected transition or bad input came from the sensing subsystem.
func (s *Server) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrSessionEnded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidWorkout):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.log.Error("session command failed", "op", op, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

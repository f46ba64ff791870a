package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	TeamID        string          `json:"team_id"`
	CourseID      string          `json:"course_id"`
	AthleteQueue  []string        `json:"athlete_queue"`
	AudioVoice    string          `json:"audio_voice,omitempty"`
	PatternConfig json.RawMessage `json:"pattern_config,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.engine.Create(r.Context(), req.TeamID, req.CourseID, req.AthleteQueue, req.AudioVoice, req.PatternConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Start(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "session started",
		"current_run": run,
	})
}

type stopSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "Stopped by coach"
	}
	if err := s.engine.Stop(r.Context(), chi.URLParam(r, "sessionID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session stopped"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNextAthlete(w http.ResponseWriter, r *http.Request) {
	hasNext, err := s.engine.NextAthlete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "advanced to next athlete"
	if !hasNext {
		msg = "no more athletes, session completed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	newID, length, count, err := s.engine.Continue(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"new_session_id": newID,
		"pattern_length": length,
		"athlete_count":  count,
	})
}

func (s *Server) handleRepeatSession(w http.ResponseWriter, r *http.Request) {
	newID, err := s.engine.Repeat(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"new_session_id": newID})
}

func (s *Server) handleMarkAbsent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkRunAbsent(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

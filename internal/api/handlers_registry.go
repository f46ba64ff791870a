package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agilityfleet/conectl/internal/protocol"
)

func (s *Server) handleRegistrySnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":           s.reg.Snapshot(),
		"course_status":   s.reg.CourseStatus(),
		"selected_course": s.reg.SelectedCourse(),
	})
}

func (s *Server) handleRegistryLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := s.ops.Recent(limit)
	if level := r.URL.Query().Get("level"); level != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Level == level {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, entries)
}

type calibrateRequest struct {
	Threshold float64 `json:"threshold"`
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Threshold <= 0 {
		writeFail(w, http.StatusBadRequest, "threshold must be > 0")
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if !s.emit.Calibrate(nodeID, req.Threshold) {
		writeFail(w, http.StatusServiceUnavailable, "node offline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type setLEDRequest struct {
	Pattern protocol.LEDPattern `json:"pattern"`
}

func (s *Server) handleSetLED(w http.ResponseWriter, r *http.Request) {
	var req setLEDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Pattern.Valid() {
		writeFail(w, http.StatusBadRequest, "unknown led pattern")
		return
	}
	if !s.emit.LED(chi.URLParam(r, "nodeID"), req.Pattern) {
		writeFail(w, http.StatusServiceUnavailable, "node offline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type playAudioRequest struct {
	Clip string `json:"clip"`
}

func (s *Server) handlePlayAudio(w http.ResponseWriter, r *http.Request) {
	var req playAudioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Clip == "" {
		writeFail(w, http.StatusBadRequest, "clip is required")
		return
	}
	if !s.emit.Audio(chi.URLParam(r, "nodeID"), req.Clip) {
		writeFail(w, http.StatusServiceUnavailable, "node offline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

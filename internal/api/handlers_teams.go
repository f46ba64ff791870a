package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agilityfleet/conectl/internal/store"
)

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var t store.Team
	if err := decodeBody(r, &t); err != nil {
		writeError(w, err)
		return
	}
	if t.Name == "" {
		writeFail(w, http.StatusBadRequest, "name is required")
		return
	}
	id, err := s.store.CreateTeam(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"team_id": id})
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTeam(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleArchiveTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ArchiveTeam(r.Context(), chi.URLParam(r, "teamID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListAthletes(w http.ResponseWriter, r *http.Request) {
	athletes, err := s.store.ListAthletes(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, athletes)
}

func (s *Server) handleCreateAthlete(w http.ResponseWriter, r *http.Request) {
	var a store.Athlete
	if err := decodeBody(r, &a); err != nil {
		writeError(w, err)
		return
	}
	if a.Name == "" {
		writeFail(w, http.StatusBadRequest, "name is required")
		return
	}
	a.TeamID = chi.URLParam(r, "teamID")
	id, err := s.store.CreateAthlete(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"athlete_id": id})
}

func (s *Server) handleDeleteAthlete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAthlete(r.Context(), chi.URLParam(r, "athleteID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetDashboardStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.store.GetRecentActivity(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.store.GetSetting(r.Context(), key, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

type setSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req setSettingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.store.SetSetting(r.Context(), key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

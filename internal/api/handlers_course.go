package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agilityfleet/conectl/internal/store"
)

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.store.ListCourses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var c store.Course
	if err := decodeBody(r, &c); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.store.CreateCourse(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"course_id": id})
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCourse(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCourse(r.Context(), chi.URLParam(r, "courseID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDuplicateCourse(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.DuplicateCourse(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"course_id": id})
}

func (s *Server) handleCourseRankings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rankings, err := s.store.GetCourseRankings(r.Context(), chi.URLParam(r, "courseID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rankings)
}

type courseLifecycleRequest struct {
	CourseName string `json:"course_name,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req courseLifecycleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CourseName == "" {
		writeFail(w, http.StatusBadRequest, "course_name is required")
		return
	}
	if err := s.courses.Deploy(r.Context(), req.CourseName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "course_status": s.reg.CourseStatus()})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req courseLifecycleRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.courses.Activate(r.Context(), req.CourseName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "course_status": s.reg.CourseStatus()})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.courses.Deactivate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "course_status": s.reg.CourseStatus()})
}

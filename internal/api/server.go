// Package api exposes the coach-facing HTTP surface: session and course
// control, fleet visibility, and CRUD for teams, athletes and courses.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/agilityfleet/conectl/internal/clock"
	"github.com/agilityfleet/conectl/internal/command"
	"github.com/agilityfleet/conectl/internal/config"
	"github.com/agilityfleet/conectl/internal/course"
	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/registry"
	"github.com/agilityfleet/conectl/internal/session"
	"github.com/agilityfleet/conectl/internal/store"
)

// Server carries the handler dependencies.
type Server struct {
	cfg     config.AppConfig
	store   *store.Store
	reg     *registry.Registry
	emit    *command.Emitter
	courses *course.Manager
	engine  *session.Engine
	ops     *oplog.Ring
	version string
}

// New wires the API server.
func New(cfg config.AppConfig, st *store.Store, reg *registry.Registry, emit *command.Emitter, courses *course.Manager, engine *session.Engine, ops *oplog.Ring, version string) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		reg:     reg,
		emit:    emit,
		courses: courses,
		engine:  engine,
		ops:     ops,
		version: version,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(requestLogger)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Get("/live", s.handleLive)

		r.Get("/registry", s.handleRegistrySnapshot)
		r.Get("/registry/logs", s.handleRegistryLogs)
		r.Post("/devices/{nodeID}/calibrate", s.handleCalibrate)
		r.Post("/devices/{nodeID}/led", s.handleSetLED)
		r.Post("/devices/{nodeID}/audio", s.handlePlayAudio)

		r.Route("/teams", func(r chi.Router) {
			r.Get("/", s.handleListTeams)
			r.Post("/", s.handleCreateTeam)
			r.Get("/{teamID}", s.handleGetTeam)
			r.Delete("/{teamID}", s.handleArchiveTeam)
			r.Get("/{teamID}/athletes", s.handleListAthletes)
			r.Post("/{teamID}/athletes", s.handleCreateAthlete)
		})
		r.Delete("/athletes/{athleteID}", s.handleDeleteAthlete)

		r.Route("/courses", func(r chi.Router) {
			r.Get("/", s.handleListCourses)
			r.Post("/", s.handleCreateCourse)
			r.Get("/{courseID}", s.handleGetCourse)
			r.Delete("/{courseID}", s.handleDeleteCourse)
			r.Post("/{courseID}/duplicate", s.handleDuplicateCourse)
			r.Get("/{courseID}/rankings", s.handleCourseRankings)
		})

		r.Post("/course/deploy", s.handleDeploy)
		r.Post("/course/activate", s.handleActivate)
		r.Post("/course/deactivate", s.handleDeactivate)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleSessionStatus)
			r.Post("/{sessionID}/start", s.handleStartSession)
			r.Post("/{sessionID}/stop", s.handleStopSession)
			r.Post("/{sessionID}/next_athlete", s.handleNextAthlete)
			r.Post("/{sessionID}/continue", s.handleContinueSession)
			r.Post("/{sessionID}/repeat", s.handleRepeatSession)
			r.Post("/{sessionID}/runs/{runID}/absent", s.handleMarkAbsent)
		})

		r.Get("/dashboard", s.handleDashboard)
		r.Get("/activity", s.handleActivity)

		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handleSetSetting)
	})

	return r
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.APIAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.APIAddr).Msg("api listener up")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
		"time":    clock.ISO8601(time.Now()),
	})
}

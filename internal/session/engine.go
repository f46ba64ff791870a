// Package session orchestrates live training sessions: starting athlete
// runs against a deployed course, attributing incoming touches to the
// right athlete, and driving LED/audio feedback on the fleet.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agilityfleet/conectl/internal/clock"
	"github.com/agilityfleet/conectl/internal/command"
	"github.com/agilityfleet/conectl/internal/config"
	"github.com/agilityfleet/conectl/internal/course"
	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/metrics"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
	"github.com/agilityfleet/conectl/internal/store"
)

// runInfo is the in-memory state of one athlete's live run. The store
// holds the durable record; this holds what attribution needs between
// touches.
type runInfo struct {
	runID       string
	athleteName string
	queuePos    int

	// seqPos is the index of the last successfully recorded device in
	// the athlete's expected sequence; -1 means no touches yet.
	seqPos int

	isActive   bool
	pattern    *Pattern
	timerStart time.Time

	lastTouch     time.Time
	perDeviceLast map[string]time.Time
	perDeviceStep map[string]int
}

// patternParams are the effective pattern-mode parameters after merging
// course behavior config, session overrides and tunables.
type patternParams struct {
	Length        int
	AllowRepeats  bool
	StepDebounce  time.Duration
	ErrorFeedback time.Duration
}

// patternOverrides is the decoded shape of a session's pattern_config.
type patternOverrides struct {
	PatternLength  int     `json:"pattern_length,omitempty"`
	AllowRepeats   *bool   `json:"allow_repeats,omitempty"`
	DebounceMS     int     `json:"debounce_ms,omitempty"`
	ErrorFeedbackS float64 `json:"error_feedback_s,omitempty"`
}

// Engine is the process-wide session orchestrator. One session runs at
// a time; all engine state lives under a single mutex, released only
// around animation sleeps and long store calls.
type Engine struct {
	store   *store.Store
	reg     *registry.Registry
	emit    *command.Emitter
	courses *course.Manager
	ops     *oplog.Ring
	clk     clock.Clock
	tun     *config.TunablesHolder
	gen     *Generator

	mu             sync.Mutex
	sessionID      string
	courseID       string
	mode           store.CourseMode
	audioVoice     string
	deviceSequence []string
	actionByDevice map[string]store.CourseAction
	firstAction    *store.CourseAction
	colored        []ColoredDevice
	params         patternParams
	errorFeedback  bool
	runs           map[string]*runInfo
}

// New wires a session engine. gen may be nil (time-seeded generator).
func New(st *store.Store, reg *registry.Registry, emit *command.Emitter, courses *course.Manager, ops *oplog.Ring, clk clock.Clock, tun *config.TunablesHolder, gen *Generator) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if gen == nil {
		gen = NewGenerator(0)
	}
	if tun == nil {
		tun = config.NewTunablesHolder(config.DefaultTunables())
	}
	return &Engine{
		store:   st,
		reg:     reg,
		emit:    emit,
		courses: courses,
		ops:     ops,
		clk:     clk,
		tun:     tun,
		gen:     gen,
	}
}

// Active reports whether a session is currently loaded.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID != ""
}

// ActiveSessionID returns the loaded session id, or "".
func (e *Engine) ActiveSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Create persists a new session in setup state.
func (e *Engine) Create(ctx context.Context, teamID, courseID string, athleteQueue []string, audioVoice string, patternConfig json.RawMessage) (string, error) {
	return e.store.CreateSession(ctx, teamID, courseID, athleteQueue, audioVoice, patternConfig)
}

// Start activates a setup-state session and arms the engine.
func (e *Engine) Start(ctx context.Context, sessionID string) (*store.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionID != "" {
		return nil, fmt.Errorf("session: session %s already running", e.sessionID)
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	c, err := e.store.GetCourse(ctx, sess.CourseID)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	switch c.Mode {
	case store.ModeSequential, store.ModePattern:
	default:
		return nil, fmt.Errorf("session: course mode %q is not runnable by the session engine", c.Mode)
	}

	now := e.clk.Now()
	if err := e.store.StartSession(ctx, sessionID, now); err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	ctx = log.ContextWithSessionID(ctx, sessionID)
	e.sessionID = sessionID
	e.courseID = c.ID
	e.mode = c.Mode
	e.audioVoice = sess.AudioVoice
	e.runs = make(map[string]*runInfo)
	e.errorFeedback = false
	e.loadCourseLocked(c)
	e.params = e.effectiveParamsLocked(c, sess.PatternConfig)

	var first *store.Run
	switch c.Mode {
	case store.ModeSequential:
		first, err = e.startSequentialLocked(ctx, c, now)
	case store.ModePattern:
		first, err = e.startPatternLocked(ctx, sessionID, now)
	}
	if err != nil {
		e.resetLocked()
		return nil, err
	}

	e.ops.Info("session", "", fmt.Sprintf("session started on %q (%s mode)", c.Name, c.Mode))
	logger := log.WithComponentFromContext(ctx, "session")
	logger.Info().
		Str("course", c.Name).
		Str("mode", string(c.Mode)).
		Msg("session started")
	return first, nil
}

// loadCourseLocked derives the device sequence, per-device action index
// and colored-device list from the course definition.
func (e *Engine) loadCourseLocked(c *store.Course) {
	controllerID := e.reg.ControllerID()

	e.deviceSequence = e.deviceSequence[:0]
	e.actionByDevice = make(map[string]store.CourseAction, len(c.Actions))
	e.colored = e.colored[:0]
	e.firstAction = nil
	if len(c.Actions) > 0 {
		a := c.Actions[0]
		e.firstAction = &a
	}

	for _, a := range c.Actions {
		e.actionByDevice[a.DeviceID] = a
		if a.DeviceID == controllerID {
			continue
		}
		e.deviceSequence = append(e.deviceSequence, a.DeviceID)
		if b := a.Behavior(); b.Color != "" {
			e.colored = append(e.colored, ColoredDevice{
				DeviceID: a.DeviceID,
				Name:     a.Action,
				Color:    b.Color,
			})
		}
	}
}

// effectiveParamsLocked merges tunables, the start device's behavior
// config, and the session's pattern_config overrides.
func (e *Engine) effectiveParamsLocked(c *store.Course, sessionCfg json.RawMessage) patternParams {
	tun := e.tun.Current()
	p := patternParams{
		Length:        5,
		AllowRepeats:  false,
		StepDebounce:  tun.StepDebounce,
		ErrorFeedback: tun.ErrorFeedbackDuration,
	}

	if a, ok := e.actionByDevice[e.reg.ControllerID()]; ok {
		b := a.Behavior()
		if b.PatternLength > 0 {
			p.Length = b.PatternLength
		}
		if b.AllowRepeats != nil {
			p.AllowRepeats = *b.AllowRepeats
		}
		if b.DebounceMS > 0 {
			p.StepDebounce = time.Duration(b.DebounceMS) * time.Millisecond
		}
		if b.ErrorFeedbackS > 0 {
			p.ErrorFeedback = time.Duration(b.ErrorFeedbackS * float64(time.Second))
		}
	}

	if len(sessionCfg) > 0 {
		var o patternOverrides
		if err := json.Unmarshal(sessionCfg, &o); err == nil {
			if o.PatternLength > 0 {
				p.Length = o.PatternLength
			}
			if o.AllowRepeats != nil {
				p.AllowRepeats = *o.AllowRepeats
			}
			if o.DebounceMS > 0 {
				p.StepDebounce = time.Duration(o.DebounceMS) * time.Millisecond
			}
			if o.ErrorFeedbackS > 0 {
				p.ErrorFeedback = time.Duration(o.ErrorFeedbackS * float64(time.Second))
			}
		}
	}
	return p
}

// startSequentialLocked starts only the first queued run; later runs
// start when a triggering cone is touched.
func (e *Engine) startSequentialLocked(ctx context.Context, c *store.Course, now time.Time) (*store.Run, error) {
	first, err := e.store.GetNextQueuedRun(ctx, e.sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: next queued run: %w", err)
	}
	if first == nil {
		return nil, fmt.Errorf("session: session has no queued runs")
	}
	if err := e.store.StartRun(ctx, first.ID, now); err != nil {
		return nil, fmt.Errorf("session: start run: %w", err)
	}
	if err := e.store.CreateSegmentsForRun(ctx, first.ID, c.ID); err != nil {
		return nil, fmt.Errorf("session: create segments: %w", err)
	}
	e.addRunLocked(first, true)
	e.cueRunStartLocked()
	return first, nil
}

// startPatternLocked starts every run up front: pattern mode generates
// all athletes' patterns at session start, then walks them one at a
// time. The first athlete's pattern display runs on its own goroutine
// so the start call returns promptly.
func (e *Engine) startPatternLocked(ctx context.Context, sessionID string, now time.Time) (*store.Run, error) {
	if len(e.colored) == 0 {
		return nil, fmt.Errorf("session: course has no colored devices for pattern mode")
	}

	runs, err := e.store.GetRuns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("session: session has no runs")
	}

	var prev *Pattern
	var first *store.Run
	for i := range runs {
		r := &runs[i]
		if err := e.store.StartRun(ctx, r.ID, now); err != nil {
			return nil, fmt.Errorf("session: start run %s: %w", r.ID, err)
		}

		pat, err := e.gen.Generate(e.colored, e.params.Length, e.params.AllowRepeats)
		if err != nil {
			return nil, err
		}
		// Back-to-back athletes getting the same sequence looks broken
		// on the field even when random.
		for attempt := 0; attempt < 100 && pat.sameAs(prev); attempt++ {
			pat, err = e.gen.Generate(e.colored, e.params.Length, e.params.AllowRepeats)
			if err != nil {
				return nil, err
			}
		}
		prev = pat

		if err := e.store.CreatePatternSegmentsForRun(ctx, r.ID, e.reg.ControllerID(), pat.DeviceIDs); err != nil {
			return nil, fmt.Errorf("session: create pattern segments: %w", err)
		}

		info := e.addRunLocked(r, i == 0)
		info.pattern = pat
		if i == 0 {
			first = r
		}
	}

	go e.displayPattern(first.ID)
	return first, nil
}

// addRunLocked inserts a run into the active set.
func (e *Engine) addRunLocked(r *store.Run, active bool) *runInfo {
	info := &runInfo{
		runID:         r.ID,
		athleteName:   r.AthleteName,
		queuePos:      r.QueuePosition,
		seqPos:        -1,
		isActive:      active,
		perDeviceLast: make(map[string]time.Time),
		perDeviceStep: make(map[string]int),
	}
	e.runs[r.ID] = info
	metrics.ActiveRuns.Inc()
	return info
}

// removeRunLocked drops a run from the active set.
func (e *Engine) removeRunLocked(runID string) {
	if _, ok := e.runs[runID]; ok {
		delete(e.runs, runID)
		metrics.ActiveRuns.Dec()
	}
}

// HandleTouch routes one touch report. Called serially by the heartbeat
// dispatcher; may race with API calls, hence the engine lock.
func (e *Engine) HandleTouch(deviceID string, at time.Time) {
	logger := log.WithComponent("session")

	e.mu.Lock()
	if e.sessionID == "" {
		e.mu.Unlock()
		metrics.RecordTouch("no_session")
		logger.Debug().Str("device_id", deviceID).Msg("touch with no session, dropped")
		return
	}

	switch {
	case e.mode == store.ModePattern && deviceID == e.reg.ControllerID():
		e.submitPatternLocked(deviceID, at)
	case e.mode == store.ModePattern:
		e.validateStepLocked(deviceID, at)
	default:
		e.attributeSequentialLocked(deviceID, at)
	}
	// The pattern paths unlock internally around animations; by the time
	// they return the lock is held again.
	e.mu.Unlock()
}

// Stop terminates a session early and returns the course to Deployed.
func (e *Engine) Stop(ctx context.Context, sessionID, reason string) error {
	e.mu.Lock()
	if e.sessionID != "" && e.sessionID != sessionID {
		e.mu.Unlock()
		return fmt.Errorf("session: %s is not the running session", sessionID)
	}
	e.resetLocked()
	e.mu.Unlock()

	now := e.clk.Now()
	if err := e.store.StopSession(ctx, sessionID, reason, now); err != nil {
		return fmt.Errorf("session: stop: %w", err)
	}
	metrics.RecordSessionEnd(string(store.SessionIncomplete))

	e.stopFleet()
	e.ops.Info("session", "", fmt.Sprintf("session stopped: %s", reason))
	logger := log.WithComponentFromContext(log.ContextWithSessionID(ctx, sessionID), "session")
	logger.Info().Str("reason", reason).Msg("session stopped")
	return nil
}

// stopFleet sends stop to each assigned cone, ambers the fleet and
// returns the course to Deployed with assignments cleared.
func (e *Engine) stopFleet() {
	controllerID := e.reg.ControllerID()
	for nodeID := range e.reg.Assignments() {
		if nodeID == controllerID {
			continue
		}
		e.emit.Stop(nodeID, protocol.CourseDeployed)
		e.emit.LED(nodeID, protocol.LEDSolidAmber)
	}
	e.reg.ClearAssignments()
	e.reg.SetCourse(protocol.CourseDeployed, e.reg.SelectedCourse())
	e.emit.LED(controllerID, protocol.LEDSolidAmber)
}

// completeSessionLocked marks the session completed, clears engine
// state, and (after dropping the lock) steps the course back to
// Deployed. Callers must hold e.mu; it is held again on return.
func (e *Engine) completeSessionLocked(ctx context.Context) {
	sessionID := e.sessionID
	e.resetLocked()
	e.mu.Unlock()

	logger := log.WithComponentFromContext(log.ContextWithSessionID(ctx, sessionID), "session")
	now := e.clk.Now()
	if err := e.store.CompleteSession(ctx, sessionID, now); err != nil {
		logger.Error().Err(err).Msg("complete session failed")
	} else {
		metrics.RecordSessionEnd(string(store.SessionCompleted))
	}
	e.courses.ReturnToDeployed()
	e.ops.Info("session", "", "session completed")
	logger.Info().Msg("session completed")

	e.mu.Lock()
}

func (e *Engine) resetLocked() {
	for range e.runs {
		metrics.ActiveRuns.Dec()
	}
	e.sessionID = ""
	e.courseID = ""
	e.mode = ""
	e.audioVoice = ""
	e.deviceSequence = nil
	e.actionByDevice = nil
	e.firstAction = nil
	e.colored = nil
	e.errorFeedback = false
	e.runs = nil
}

// cueRunStartLocked announces a run starting with the course's first
// action audio, whichever device that action belongs to. The session
// start and every wave start use the same cue.
func (e *Engine) cueRunStartLocked() {
	if e.firstAction != nil {
		e.playActionAudio(*e.firstAction)
	}
}

// playActionAudio plays a course action's clip on the controller,
// prefixed by the session voice pack when one is selected.
func (e *Engine) playActionAudio(a store.CourseAction) {
	clip := a.AudioClip
	if clip == "" {
		clip = a.Action
	}
	e.emit.Audio(e.reg.ControllerID(), e.voiceClip(clip))
}

func (e *Engine) voiceClip(base string) string {
	if e.audioVoice == "" {
		return base
	}
	return e.audioVoice + "_" + base
}

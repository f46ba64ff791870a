package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agilityfleet/conectl/internal/store"
)

// Status is the UI-facing view of a session.
type Status struct {
	Session     *store.Session   `json:"session"`
	CourseMode  store.CourseMode `json:"course_mode"`
	Runs        []store.Run      `json:"runs"`
	ActiveRun   *store.Run       `json:"active_run,omitempty"`
	PatternLen  int              `json:"pattern_length,omitempty"`
	PatternDesc string           `json:"pattern_description,omitempty"`
	PatternIDs  []string         `json:"pattern_device_ids,omitempty"`
}

// GetStatus assembles the session view from the store plus, when the
// session is the one loaded in the engine, the live pattern state.
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c, err := e.store.GetCourse(ctx, sess.CourseID)
	if err != nil {
		return nil, err
	}
	runs, err := e.store.GetRuns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &Status{Session: sess, CourseMode: c.Mode, Runs: runs}

	e.mu.Lock()
	if e.sessionID == sessionID {
		st.PatternLen = e.params.Length
		if active := e.activeRunLocked(); active != nil {
			for i := range runs {
				if runs[i].ID == active.runID {
					st.ActiveRun = &runs[i]
					break
				}
			}
			if active.pattern != nil {
				st.PatternDesc = active.pattern.Description
				st.PatternIDs = append([]string(nil), active.pattern.DeviceIDs...)
			}
		}
	}
	e.mu.Unlock()
	return st, nil
}

// NextAthlete manually advances a pattern-mode session: the current
// athlete is retired incomplete and the next pattern is displayed.
func (e *Engine) NextAthlete(ctx context.Context, sessionID string) (bool, error) {
	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return false, fmt.Errorf("session: %s is not the running session", sessionID)
	}
	if e.mode != store.ModePattern {
		e.mu.Unlock()
		return false, fmt.Errorf("session: next athlete only applies to pattern mode")
	}
	if e.errorFeedback {
		// A feedback animation already owns the athlete transition; a
		// second advance here would skip someone.
		e.mu.Unlock()
		return false, fmt.Errorf("session: athlete change already in progress")
	}

	if cur := e.activeRunLocked(); cur != nil {
		runID := cur.runID
		now := e.clk.Now()
		var elapsed float64
		if !cur.timerStart.IsZero() {
			elapsed = now.Sub(cur.timerStart).Seconds()
		}
		if err := e.store.CompleteRun(ctx, runID, now, elapsed, store.RunIncomplete); err == nil {
			e.ops.Info("session", "", fmt.Sprintf("%s skipped by coach", cur.athleteName))
		}
		e.removeRunLocked(runID)
	}

	hasNext := e.advanceLocked(ctx)
	e.mu.Unlock()
	return hasNext, nil
}

// Continue builds a follow-up session from a finished one: only the
// athletes who completed their run, with the pattern one step longer
// (capped at 8). Returns the new session id.
func (e *Engine) Continue(ctx context.Context, sessionID string) (string, int, int, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", 0, 0, err
	}
	runs, err := e.store.GetRuns(ctx, sessionID)
	if err != nil {
		return "", 0, 0, err
	}

	var athletes []string
	for _, r := range runs {
		if r.Status == store.RunCompleted {
			athletes = append(athletes, r.AthleteID)
		}
	}
	if len(athletes) == 0 {
		return "", 0, 0, fmt.Errorf("session: no successful athletes to continue with")
	}

	over := decodeOverrides(sess.PatternConfig)
	length := over.PatternLength
	if length <= 0 {
		length = e.courseDefaultLength(ctx, sess.CourseID)
	}
	length++
	if length > maxPatternLength {
		length = maxPatternLength
	}
	over.PatternLength = length

	cfg, err := json.Marshal(over)
	if err != nil {
		return "", 0, 0, err
	}
	newID, err := e.store.CreateSession(ctx, sess.TeamID, sess.CourseID, athletes, sess.AudioVoice, cfg)
	if err != nil {
		return "", 0, 0, err
	}
	return newID, length, len(athletes), nil
}

// Repeat builds a fresh session with the same course, config and
// athletes, dropping only the ones marked absent.
func (e *Engine) Repeat(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	runs, err := e.store.GetRuns(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var athletes []string
	for _, r := range runs {
		if r.Status != store.RunAbsent {
			athletes = append(athletes, r.AthleteID)
		}
	}
	if len(athletes) == 0 {
		return "", fmt.Errorf("session: no athletes to repeat with")
	}
	return e.store.CreateSession(ctx, sess.TeamID, sess.CourseID, athletes, sess.AudioVoice, sess.PatternConfig)
}

func decodeOverrides(raw json.RawMessage) patternOverrides {
	var o patternOverrides
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	return o
}

// courseDefaultLength reads the start device's configured pattern
// length, falling back to the engine default.
func (e *Engine) courseDefaultLength(ctx context.Context, courseID string) int {
	c, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return 5
	}
	controllerID := e.reg.ControllerID()
	for _, a := range c.Actions {
		if a.DeviceID == controllerID {
			if b := a.Behavior(); b.PatternLength > 0 {
				return b.PatternLength
			}
		}
	}
	return 5
}

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/metrics"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/store"
)

// Controller audio cues. Clip names omit the file extension; the cone
// client maps them to its local sound set.
const (
	clipBeep    = "beep"
	clipGo      = "go"
	clipSuccess = "success"
	clipError   = "error"
)

// activeRunLocked returns the pattern-mode run currently on the floor.
func (e *Engine) activeRunLocked() *runInfo {
	for _, info := range e.runs {
		if info.isActive {
			return info
		}
	}
	return nil
}

// displayPattern walks an athlete's pattern across the cones: a ready
// beep, one chase per step, color restore, then the GO beep that starts
// the completion timer. Runs outside the engine lock except for brief
// state reads and the final timer write.
func (e *Engine) displayPattern(runID string) {
	logger := log.WithComponent("session")

	e.mu.Lock()
	run, ok := e.runs[runID]
	if !ok || run.pattern == nil {
		e.mu.Unlock()
		return
	}
	pat := run.pattern
	name := run.athleteName
	colored := append([]ColoredDevice(nil), e.colored...)
	controllerID := e.reg.ControllerID()
	tun := e.tun.Current()
	e.mu.Unlock()

	e.ops.Info("session", "", fmt.Sprintf("pattern for %s: %s", name, pat.Description))
	logger.Info().
		Str("run_id", runID).
		Str("athlete", name).
		Str("pattern", pat.Description).
		Msg("displaying pattern")

	e.emit.Audio(controllerID, clipBeep)
	for _, step := range pat.Steps {
		e.emit.LED(step.DeviceID, protocol.ChaseForColor(step.Color))
		// Chases self-terminate client-side after 3 s; the pause gives
		// headroom for network variance so steps never overlap.
		e.clk.Sleep(tun.StepDisplayPause)
	}
	// Latch the assigned solids without sending: the cones already
	// restored themselves, this just stops heartbeat acks from
	// re-sending a stale chase.
	for _, cd := range colored {
		e.emit.RecordLED(cd.DeviceID, protocol.SolidForColor(cd.Color))
	}
	e.emit.Audio(controllerID, clipGo)

	now := e.clk.Now()
	e.mu.Lock()
	if r, ok := e.runs[runID]; ok {
		r.timerStart = now
	}
	e.mu.Unlock()

	if err := e.store.UpdateRunTimerStart(context.Background(), runID, now); err != nil {
		logger.Warn().Err(err).Str("run_id", runID).Msg("timer start not persisted")
	}
}

// submitPatternLocked handles a touch on the controller's own cone: the
// athlete claims their pattern is done. Called with e.mu held; returns
// with it held.
func (e *Engine) submitPatternLocked(deviceID string, at time.Time) {
	ctx := context.Background()
	logger := log.WithComponent("session")

	run := e.activeRunLocked()
	if run == nil || run.pattern == nil {
		metrics.RecordTouch("no_active_run")
		return
	}
	expected := run.seqPos + 1
	total := len(run.pattern.DeviceIDs)
	if expected != total {
		// Early submission: no feedback, the athlete keeps going.
		metrics.RecordTouch("early_submit")
		logger.Info().
			Str("athlete", run.athleteName).
			Int("done", expected).
			Int("total", total).
			Msg("pattern submitted early, ignoring")
		e.ops.Warn("session", deviceID, fmt.Sprintf("%s submitted with %d of %d steps done", run.athleteName, expected, total))
		return
	}

	metrics.RecordTouch("ok")
	runID := run.runID
	name := run.athleteName
	timerStart := run.timerStart
	colored := append([]ColoredDevice(nil), e.colored...)
	controllerID := e.reg.ControllerID()
	tun := e.tun.Current()
	e.errorFeedback = true
	e.mu.Unlock()

	e.emit.Audio(controllerID, clipSuccess)
	for _, cd := range colored {
		e.emit.LED(cd.DeviceID, protocol.LEDChaseGreen)
		e.clk.Sleep(tun.CommandStagger)
	}
	e.clk.Sleep(tun.SuccessChaseBuffer)
	for _, cd := range colored {
		e.emit.RecordLED(cd.DeviceID, protocol.SolidForColor(cd.Color))
	}

	now := e.clk.Now()
	var completion float64
	if !timerStart.IsZero() {
		completion = now.Sub(timerStart).Seconds()
	}
	if err := e.store.CompleteRun(ctx, runID, now, completion, store.RunCompleted); err != nil {
		logger.Error().Err(err).Str("run_id", runID).Msg("complete run failed")
	} else {
		metrics.RecordRunEnd(string(store.RunCompleted))
	}
	e.ops.Info("session", "", fmt.Sprintf("%s completed the pattern in %.2fs", name, completion))

	e.mu.Lock()
	e.errorFeedback = false
	e.removeRunLocked(runID)
	e.advanceLocked(ctx)
}

// validateStepLocked checks a colored-cone touch against the active
// athlete's next expected pattern step. Called with e.mu held; returns
// with it held.
func (e *Engine) validateStepLocked(deviceID string, at time.Time) {
	logger := log.WithComponent("session")

	run := e.activeRunLocked()
	if run == nil || run.pattern == nil {
		metrics.RecordTouch("no_active_run")
		return
	}
	if e.errorFeedback {
		metrics.RecordTouch("feedback_blocked")
		return
	}

	tun := e.tun.Current()
	if !run.lastTouch.IsZero() && at.Sub(run.lastTouch) < tun.GlobalDebounce {
		metrics.RecordTouch("debounced")
		return
	}

	expected := run.seqPos + 1
	if last, ok := run.perDeviceLast[deviceID]; ok {
		if at.Sub(last) < e.params.StepDebounce && run.perDeviceStep[deviceID] == expected {
			// Same cone, same step, within the window: hardware bounce.
			// A repeat of the cone for a different step is intentional
			// and falls through.
			metrics.RecordTouch("debounced")
			return
		}
	}

	if expected >= len(run.pattern.DeviceIDs) {
		// Pattern already complete; only the start cone matters now.
		metrics.RecordTouch("after_complete")
		return
	}

	expectedDev := run.pattern.DeviceIDs[expected]
	if deviceID != expectedDev {
		e.failStepLocked(run, deviceID, expectedDev, expected)
		return
	}

	run.seqPos = expected
	run.lastTouch = at
	run.perDeviceLast[deviceID] = at
	run.perDeviceStep[deviceID] = expected
	metrics.RecordTouch("ok")

	if _, err := e.store.RecordTouch(context.Background(), run.runID, deviceID, at); err != nil {
		logger.Warn().Err(err).Str("run_id", run.runID).Str("device_id", deviceID).Msg("pattern touch not persisted")
	}

	e.ops.Info("session", deviceID, fmt.Sprintf("%s: step %d/%d correct", run.athleteName, expected+1, len(run.pattern.DeviceIDs)))
	if expected == len(run.pattern.DeviceIDs)-1 {
		e.ops.Info("session", "", fmt.Sprintf("%s: pattern done, touch the start cone to submit", run.athleteName))
	}
}

// failStepLocked runs the wrong-touch feedback animation and retires the
// athlete's run as incomplete. Called with e.mu held; returns with it
// held.
func (e *Engine) failStepLocked(run *runInfo, touchedDev, expectedDev string, step int) {
	ctx := context.Background()
	logger := log.WithComponent("session")

	colorOf := func(deviceID string) string {
		for _, cd := range e.colored {
			if cd.DeviceID == deviceID {
				return cd.Color
			}
		}
		return deviceID
	}
	logger.Info().
		Str("athlete", run.athleteName).
		Int("step", step+1).
		Str("expected", colorOf(expectedDev)).
		Str("touched", colorOf(touchedDev)).
		Msg("wrong pattern step")
	e.ops.Warn("session", touchedDev, fmt.Sprintf("%s: wrong cone at step %d (expected %s, touched %s)",
		run.athleteName, step+1, colorOf(expectedDev), colorOf(touchedDev)))
	metrics.RecordTouch("wrong_step")

	runID := run.runID
	timerStart := run.timerStart
	colored := append([]ColoredDevice(nil), e.colored...)
	controllerID := e.reg.ControllerID()
	tun := e.tun.Current()
	errorHold := e.params.ErrorFeedback
	e.errorFeedback = true
	e.mu.Unlock()

	for _, cd := range colored {
		e.emit.LED(cd.DeviceID, protocol.LEDChaseRed)
		e.clk.Sleep(tun.CommandStagger)
	}
	e.clk.Sleep(tun.ErrorBeepDelay)
	e.emit.Audio(controllerID, clipError)
	e.clk.Sleep(errorHold)
	for _, cd := range colored {
		e.emit.RecordLED(cd.DeviceID, protocol.SolidForColor(cd.Color))
	}

	now := e.clk.Now()
	var elapsed float64
	if !timerStart.IsZero() {
		elapsed = now.Sub(timerStart).Seconds()
	}
	if err := e.store.CompleteRun(ctx, runID, now, elapsed, store.RunIncomplete); err != nil {
		logger.Error().Err(err).Str("run_id", runID).Msg("complete run failed")
	} else {
		metrics.RecordRunEnd(string(store.RunIncomplete))
	}

	e.mu.Lock()
	e.errorFeedback = false
	e.removeRunLocked(runID)
	e.advanceLocked(ctx)
}

// advanceLocked hands the floor to the next pattern-mode athlete, or
// completes the session when the queue is exhausted. Called with e.mu
// held; returns with it held. Reports whether another athlete is up.
func (e *Engine) advanceLocked(ctx context.Context) bool {
	var next *runInfo
	for _, info := range e.runs {
		if info.isActive || info.pattern == nil {
			continue
		}
		if next == nil || info.queuePos < next.queuePos {
			next = info
		}
	}
	if next == nil {
		e.completeSessionLocked(ctx)
		return false
	}

	next.isActive = true
	runID := next.runID
	colored := append([]ColoredDevice(nil), e.colored...)
	tun := e.tun.Current()
	e.mu.Unlock()

	// Actively re-send the assigned solids between athletes: prior
	// feedback may have left a cone's real LED drifted from the latch.
	for _, cd := range colored {
		e.emit.LED(cd.DeviceID, protocol.SolidForColor(cd.Color))
	}
	e.clk.Sleep(tun.BetweenAthletesPause)
	e.displayPattern(runID)

	e.mu.Lock()
	return true
}

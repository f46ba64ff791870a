package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/metrics"
	"github.com/agilityfleet/conectl/internal/store"
)

// attributeSequentialLocked credits a sequential-mode touch to the right
// athlete. The whole categorize → pick → record path runs under the
// engine lock so two near-simultaneous touches on the same expected
// device cannot both be credited to one athlete.
func (e *Engine) attributeSequentialLocked(deviceID string, at time.Time) {
	ctx := context.Background()
	logger := log.WithComponent("session")

	devicePos := -1
	for i, id := range e.deviceSequence {
		if id == deviceID {
			devicePos = i
			break
		}
	}
	if devicePos < 0 {
		metrics.RecordTouch("unknown_device")
		logger.Debug().Str("device_id", deviceID).Msg("touch on device outside course, dropped")
		return
	}

	type candidate struct {
		info *runInfo
		gap  int
	}
	ordered := make([]*runInfo, 0, len(e.runs))
	for _, info := range e.runs {
		ordered = append(ordered, info)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].queuePos < ordered[j].queuePos })

	var sequential, skipped []candidate
	for _, info := range ordered {
		gap := devicePos - info.seqPos
		switch {
		case gap <= 0:
			// Same device again (bounce or loitering) or backwards
			// motion; neither is creditable.
		case gap == 1:
			sequential = append(sequential, candidate{info, gap})
		default:
			skipped = append(skipped, candidate{info, gap})
		}
	}

	var chosen *candidate
	switch {
	case len(sequential) > 0:
		// A sequential candidate always wins over a skip candidate: the
		// athlete exactly on this cone is far likelier than one who
		// jumped cones.
		chosen = &sequential[0]
	case len(skipped) > 0:
		sort.SliceStable(skipped, func(i, j int) bool {
			if skipped[i].gap != skipped[j].gap {
				return skipped[i].gap < skipped[j].gap
			}
			return skipped[i].info.queuePos < skipped[j].info.queuePos
		})
		chosen = &skipped[0]
	default:
		metrics.RecordTouch("unattributed")
		logger.Debug().Str("device_id", deviceID).Int("position", devicePos).Msg("no candidate run for touch, dropped")
		return
	}

	run := chosen.info
	if chosen.gap > 1 {
		e.markSkippedSegments(ctx, run, devicePos)
	}

	segID, err := e.store.RecordTouch(ctx, run.runID, deviceID, at)
	if err != nil {
		metrics.RecordTouch("store_error")
		logger.Warn().Err(err).Str("run_id", run.runID).Str("device_id", deviceID).Msg("touch dropped, store write failed")
		return
	}
	if segID == "" {
		metrics.RecordTouch("stale")
		logger.Debug().Str("run_id", run.runID).Str("device_id", deviceID).Msg("touch matched no open segment")
		return
	}

	run.seqPos = devicePos
	run.lastTouch = at
	metrics.RecordTouch("ok")
	e.ops.Info("session", deviceID, fmt.Sprintf("%s reached cone %d/%d", run.athleteName, devicePos+1, len(e.deviceSequence)))

	if err := e.store.CheckSegmentAlerts(ctx, segID); err != nil {
		logger.Warn().Err(err).Str("segment_id", segID).Msg("segment alert check failed")
	}

	action := e.actionByDevice[deviceID]
	if action.TriggersNextAthlete {
		e.maybeStartNextRunLocked(ctx)
	}
	if action.MarksRunComplete || devicePos == len(e.deviceSequence)-1 {
		e.finishSequentialRunLocked(ctx, run)
	}
}

// markSkippedSegments flags every segment between the athlete's prior
// position and the touched device as a missed touch.
func (e *Engine) markSkippedSegments(ctx context.Context, run *runInfo, devicePos int) {
	logger := log.WithComponent("session")

	segs, err := e.store.GetSegments(ctx, run.runID)
	if err != nil {
		logger.Warn().Err(err).Str("run_id", run.runID).Msg("cannot load segments to mark misses")
		return
	}
	byDevice := make(map[string]store.Segment, len(segs))
	for _, s := range segs {
		byDevice[s.ToDevice] = s
	}

	for pos := run.seqPos + 1; pos < devicePos; pos++ {
		dev := e.deviceSequence[pos]
		seg, ok := byDevice[dev]
		if !ok || seg.TouchDetected {
			continue
		}
		if err := e.store.MarkSegmentMissed(ctx, seg.ID); err != nil {
			logger.Warn().Err(err).Str("segment_id", seg.ID).Msg("mark missed failed")
			continue
		}
		e.ops.Warn("session", dev, fmt.Sprintf("%s skipped cone %d", run.athleteName, pos+1))
	}
}

// maybeStartNextRunLocked starts the next queued run if the concurrency
// cap allows, pre-creating its segments and cueing its start audio.
func (e *Engine) maybeStartNextRunLocked(ctx context.Context) {
	logger := log.WithComponent("session")

	if len(e.runs) >= e.tun.Current().MaxConcurrentRuns {
		return
	}
	next, err := e.store.GetNextQueuedRun(ctx, e.sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("next queued run lookup failed")
		return
	}
	if next == nil {
		return
	}
	if _, already := e.runs[next.ID]; already {
		return
	}

	now := e.clk.Now()
	if err := e.store.StartRun(ctx, next.ID, now); err != nil {
		// Lost the race to another path; the store's queued-state guard
		// makes that benign.
		logger.Debug().Err(err).Str("run_id", next.ID).Msg("start run skipped")
		return
	}
	if err := e.store.CreateSegmentsForRun(ctx, next.ID, e.courseID); err != nil {
		logger.Warn().Err(err).Str("run_id", next.ID).Msg("segment creation failed for next run")
	}
	e.addRunLocked(next, true)
	e.cueRunStartLocked()
	e.ops.Info("session", "", fmt.Sprintf("%s is on course", next.AthleteName))
}

// finishSequentialRunLocked completes a run that reached the final cone
// and, when the queue is drained, the session itself.
func (e *Engine) finishSequentialRunLocked(ctx context.Context, run *runInfo) {
	logger := log.WithComponent("session")
	now := e.clk.Now()

	total, err := e.store.RunElapsedTotal(ctx, run.runID)
	if err != nil {
		logger.Warn().Err(err).Str("run_id", run.runID).Msg("elapsed total unavailable, storing zero")
	}
	if err := e.store.CompleteRun(ctx, run.runID, now, total, store.RunCompleted); err != nil {
		logger.Error().Err(err).Str("run_id", run.runID).Msg("complete run failed")
		return
	}
	metrics.RecordRunEnd(string(store.RunCompleted))
	e.removeRunLocked(run.runID)
	e.ops.Info("session", "", fmt.Sprintf("%s finished in %.2fs", run.athleteName, total))

	if len(e.runs) > 0 {
		return
	}
	next, err := e.store.GetNextQueuedRun(ctx, e.sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("queue check failed after run completion")
		return
	}
	if next == nil {
		e.completeSessionLocked(ctx)
		return
	}
	// Nobody on course but athletes still queued: start the next one so
	// a course without a triggering cone cannot strand its queue.
	e.maybeStartNextRunLocked(ctx)
}

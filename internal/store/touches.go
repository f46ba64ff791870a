package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RecordTouch attributes a touch on deviceID to the run's earliest
// not-yet-touched segment with that to_device. It computes actual_time
// from the previous touched segment's timestamp (or the run's
// started_at for the first segment) and cumulative_time from
// timer_start_at when set, then marks the segment touched. Returns ""
// when no open segment matches, so a duplicate call is a no-op.
//
// Contended writes retry with stepped backoff; after exhaustion the
// caller drops the touch rather than aborting the session.
func (s *Store) RecordTouch(ctx context.Context, runID, deviceID string, at time.Time) (string, error) {
	var segmentID string
	err := withRetry(ctx, func() error {
		var err error
		segmentID, err = s.recordTouchOnce(ctx, runID, deviceID, at)
		return err
	})
	return segmentID, err
}

func (s *Store) recordTouchOnce(ctx context.Context, runID, deviceID string, at time.Time) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var segID string
	var seq int
	err = tx.QueryRowContext(ctx, `
		SELECT id, sequence FROM segments
		WHERE run_id = ? AND to_device = ? AND touch_detected = 0
		ORDER BY sequence LIMIT 1`, runID, deviceID).Scan(&segID, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	// Reference time: previous touched segment, else the run's start.
	var refStr sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT touch_timestamp FROM segments
		WHERE run_id = ? AND touch_detected = 1 AND sequence < ?
		ORDER BY sequence DESC LIMIT 1`, runID, seq).Scan(&refStr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if !refStr.Valid {
		var started sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, runID).Scan(&started); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", ErrNotFound
			}
			return "", err
		}
		refStr = started
	}

	ref, err := nullToTime(refStr)
	if err != nil {
		return "", err
	}
	actual := 0.0
	if ref != nil {
		actual = at.Sub(*ref).Seconds()
		if actual < 0 {
			actual = 0
		}
	}

	var cumulative sql.NullFloat64
	var timerStart sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT timer_start_at FROM runs WHERE id = ?`, runID).Scan(&timerStart); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if ts, err := nullToTime(timerStart); err == nil && ts != nil {
		cumulative = sql.NullFloat64{Float64: at.Sub(*ts).Seconds(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE segments
		SET actual_time = ?, cumulative_time = ?, touch_detected = 1, touch_timestamp = ?
		WHERE id = ? AND touch_detected = 0`,
		actual, cumulative, fmtTime(at), segID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent toucher.
		return "", nil
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return segID, nil
}

// MarkSegmentMissed flags a skipped segment. The touch_detected guard
// makes it a no-op when a late touch landed between the caller's
// snapshot and this write.
func (s *Store) MarkSegmentMissed(ctx context.Context, segmentID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE segments SET alert_raised = 1, alert_type = ?
		WHERE id = ? AND touch_detected = 0`,
		string(AlertMissedTouch), segmentID)
	return err
}

// CheckSegmentAlerts re-reads a touched segment and raises too_fast /
// too_slow against its expected bounds. Pattern-mode segments carry
// sentinel bounds (0, 999) and therefore never alert here. Retries on
// transient lock errors like RecordTouch.
func (s *Store) CheckSegmentAlerts(ctx context.Context, segmentID string) error {
	return withRetry(ctx, func() error {
		var actual sql.NullFloat64
		var minT, maxT float64
		err := s.DB.QueryRowContext(ctx, `
			SELECT actual_time, expected_min_time, expected_max_time
			FROM segments WHERE id = ? AND touch_detected = 1`, segmentID).
			Scan(&actual, &minT, &maxT)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !actual.Valid || maxT >= PatternSentinelMax {
			return nil
		}

		var alert AlertType
		switch {
		case actual.Float64 < minT:
			alert = AlertTooFast
		case actual.Float64 > maxT:
			alert = AlertTooSlow
		default:
			return nil
		}
		_, err = s.DB.ExecContext(ctx, `
			UPDATE segments SET alert_raised = 1, alert_type = ? WHERE id = ?`,
			string(alert), segmentID)
		return err
	})
}

// RunElapsedTotal sums actual_time across a run's touched segments.
func (s *Store) RunElapsedTotal(ctx context.Context, runID string) (float64, error) {
	var total sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		SELECT SUM(actual_time) FROM segments
		WHERE run_id = ? AND touch_detected = 1`, runID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agilityfleet/conectl/internal/clock"
)

// CreateSession creates a session in setup state plus one queued run per
// athlete, queue_position = index. Atomic.
func (s *Store) CreateSession(ctx context.Context, teamID, courseID string, athleteQueue []string, audioVoice string, patternConfig json.RawMessage) (string, error) {
	if len(athleteQueue) == 0 {
		return "", fmt.Errorf("store: session needs at least one athlete")
	}

	id := clock.NewID()
	now := s.clock.Now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var pc any
	if len(patternConfig) > 0 {
		pc = string(patternConfig)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, team_id, course_id, status, audio_voice, pattern_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, teamID, courseID, string(SessionSetup), nullStr(audioVoice), pc, fmtTime(now))
	if err != nil {
		return "", classify(err)
	}

	for i, athleteID := range athleteQueue {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, session_id, athlete_id, queue_position, status)
			VALUES (?, ?, ?, ?, ?)`,
			clock.NewID(), id, athleteID, i, string(RunQueued))
		if err != nil {
			return "", classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", classify(err)
	}
	return id, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// GetActiveSession returns the session in setup or active state, if any.
func (s *Store) GetActiveSession(ctx context.Context) (*Session, error) {
	row := s.DB.QueryRowContext(ctx, sessionSelect+`
		WHERE status IN (?, ?) ORDER BY created_at DESC LIMIT 1`,
		string(SessionSetup), string(SessionActive))
	sess, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// StartSession moves a session setup → active. Commits before returning
// so concurrent heartbeat handlers observe the new state.
func (s *Store) StartSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(SessionActive), fmtTime(at), id, string(SessionSetup))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s is not in setup", ErrInvalidTransition, id)
	}
	return nil
}

// CompleteSession marks a session completed.
func (s *Store) CompleteSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(SessionCompleted), fmtTime(at), id, string(SessionActive))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s is not active", ErrInvalidTransition, id)
	}
	return nil
}

// StopSession marks the session incomplete with a reason and flips every
// still-running run to incomplete. Atomic.
func (s *Store) StopSession(ctx context.Context, id, reason string, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE session_id = ? AND status = ?`,
		string(RunIncomplete), fmtTime(at), id, string(RunRunning))
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, notes = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(SessionIncomplete), fmtTime(at), reason, id,
		string(SessionCompleted), string(SessionIncomplete))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s already terminal", ErrInvalidTransition, id)
	}
	return tx.Commit()
}

// DeleteSession removes a session; runs and segments go with it via
// FK cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- runs ---

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx, runSelect+` WHERE r.id = ?`, id)
	return scanRun(row)
}

// GetRuns returns a session's runs in queue order.
func (s *Store) GetRuns(ctx context.Context, sessionID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, runSelect+`
		WHERE r.session_id = ? ORDER BY r.queue_position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetNextQueuedRun returns the lowest queue_position run still queued,
// or nil if the session has none left.
func (s *Store) GetNextQueuedRun(ctx context.Context, sessionID string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx, runSelect+`
		WHERE r.session_id = ? AND r.status = ?
		ORDER BY r.queue_position LIMIT 1`, sessionID, string(RunQueued))
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// StartRun moves a run queued → running. The guarded WHERE clause makes
// concurrent starters race safely: exactly one wins, the rest get
// ErrInvalidTransition.
func (s *Store) StartRun(ctx context.Context, runID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(RunRunning), fmtTime(at), runID, string(RunQueued))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is not queued", ErrInvalidTransition, runID)
	}
	return nil
}

// UpdateRunTimerStart records when the GO beep played (pattern mode).
func (s *Store) UpdateRunTimerStart(ctx context.Context, runID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET timer_start_at = ? WHERE id = ?`, fmtTime(at), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRun moves a run to a terminal state with its total time.
func (s *Store) CompleteRun(ctx context.Context, runID string, at time.Time, totalTime float64, status RunStatus) error {
	if status != RunCompleted && status != RunIncomplete {
		return fmt.Errorf("%w: %s is not a terminal run status", ErrInvalidTransition, status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, total_time = ?
		WHERE id = ? AND status = ?`,
		string(status), fmtTime(at), totalTime, runID, string(RunRunning))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is not running", ErrInvalidTransition, runID)
	}
	return nil
}

// MarkRunAbsent flags a queued athlete as absent before start.
func (s *Store) MarkRunAbsent(ctx context.Context, runID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		string(RunAbsent), runID, string(RunQueued))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is not queued", ErrInvalidTransition, runID)
	}
	return nil
}

// --- segments ---

// CreateSegmentsForRun pre-creates sequential-mode segments: one per
// adjacent device pair in the course's ordered actions. Idempotent: a
// concurrent duplicate attempt trips UNIQUE(run_id, sequence) and is
// swallowed as success.
func (s *Store) CreateSegmentsForRun(ctx context.Context, runID, courseID string) error {
	course, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if len(course.Actions) < 2 {
		return fmt.Errorf("store: course %s has %d actions, need at least 2 for segments", courseID, len(course.Actions))
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i := 1; i < len(course.Actions); i++ {
		prev, cur := course.Actions[i-1], course.Actions[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (id, run_id, sequence, from_device, to_device, expected_min_time, expected_max_time)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			clock.NewID(), runID, i-1, prev.DeviceID, cur.DeviceID, cur.MinTime, cur.MaxTime)
		if err != nil {
			if errors.Is(classify(err), ErrAlreadyExists) {
				return nil
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(classify(err), ErrAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

// CreatePatternSegmentsForRun pre-creates pattern-mode segments: one per
// step, from_device threaded from startDevice through the pattern, with
// sentinel bounds (0, 999) — attribution in pattern mode never consults
// them. Same idempotence guarantee as CreateSegmentsForRun.
func (s *Store) CreatePatternSegmentsForRun(ctx context.Context, runID, startDevice string, patternDeviceIDs []string) error {
	if len(patternDeviceIDs) == 0 {
		return fmt.Errorf("store: empty pattern for run %s", runID)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	from := startDevice
	for i, deviceID := range patternDeviceIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (id, run_id, sequence, from_device, to_device, expected_min_time, expected_max_time)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			clock.NewID(), runID, i, from, deviceID, float64(PatternSentinelMax))
		if err != nil {
			if errors.Is(classify(err), ErrAlreadyExists) {
				return nil
			}
			return err
		}
		from = deviceID
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(classify(err), ErrAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

// GetSegments returns a run's segments ordered by sequence.
func (s *Store) GetSegments(ctx context.Context, runID string) ([]Segment, error) {
	rows, err := s.DB.QueryContext(ctx, segmentSelect+`
		WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *seg)
	}
	return out, rows.Err()
}

// --- scan helpers ---

const sessionSelect = `
	SELECT id, team_id, course_id, status, audio_voice, pattern_config, notes,
		created_at, started_at, completed_at
	FROM sessions`

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	var voice, pc, notes, started, completed sql.NullString
	var status, created string
	err := r.Scan(&sess.ID, &sess.TeamID, &sess.CourseID, &status, &voice, &pc, &notes, &created, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.AudioVoice = voice.String
	sess.Notes = notes.String
	if pc.Valid {
		sess.PatternConfig = []byte(pc.String)
	}
	if ts, err := nullToTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
		sess.CreatedAt = *ts
	}
	if sess.StartedAt, err = nullToTime(started); err != nil {
		return nil, err
	}
	if sess.CompletedAt, err = nullToTime(completed); err != nil {
		return nil, err
	}
	return &sess, nil
}

const runSelect = `
	SELECT r.id, r.session_id, r.athlete_id, a.name, r.queue_position, r.status,
		r.started_at, r.timer_start_at, r.completed_at, r.total_time
	FROM runs r JOIN athletes a ON a.id = r.athlete_id`

func scanRun(sc rowScanner) (*Run, error) {
	var r Run
	var status string
	var started, timerStart, completed sql.NullString
	var total sql.NullFloat64
	err := sc.Scan(&r.ID, &r.SessionID, &r.AthleteID, &r.AthleteName, &r.QueuePosition, &status,
		&started, &timerStart, &completed, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = RunStatus(status)
	if r.StartedAt, err = nullToTime(started); err != nil {
		return nil, err
	}
	if r.TimerStartAt, err = nullToTime(timerStart); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = nullToTime(completed); err != nil {
		return nil, err
	}
	r.TotalTime = floatPtr(total)
	return &r, nil
}

const segmentSelect = `
	SELECT id, run_id, sequence, from_device, to_device, expected_min_time,
		expected_max_time, actual_time, cumulative_time, touch_detected,
		touch_timestamp, alert_raised, alert_type
	FROM segments`

func scanSegment(sc rowScanner) (*Segment, error) {
	var seg Segment
	var actual, cumulative sql.NullFloat64
	var touched, alertRaised int
	var touchTS, alertType sql.NullString
	err := sc.Scan(&seg.ID, &seg.RunID, &seg.Sequence, &seg.FromDevice, &seg.ToDevice,
		&seg.ExpectedMinTime, &seg.ExpectedMaxTime, &actual, &cumulative, &touched,
		&touchTS, &alertRaised, &alertType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	seg.ActualTime = floatPtr(actual)
	seg.CumulativeTime = floatPtr(cumulative)
	seg.TouchDetected = touched != 0
	seg.AlertRaised = alertRaised != 0
	seg.AlertType = AlertType(alertType.String)
	if seg.TouchTimestamp, err = nullToTime(touchTS); err != nil {
		return nil, err
	}
	return &seg, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agilityfleet/conectl/internal/clock"
)

// CreateCourse inserts a course with its actions atomically. Action
// sequences must be dense from 0 and unique; a name collision returns
// ErrAlreadyExists.
func (s *Store) CreateCourse(ctx context.Context, c Course) (string, error) {
	if err := validateActionSequences(c.Actions); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = clock.NewID()
	}
	if c.Mode == "" {
		c.Mode = ModeSequential
	}
	c.CreatedAt = s.clock.Now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO courses (id, name, description, type, mode, category, total_devices, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullStr(c.Description), c.Type, string(c.Mode), nullStr(c.Category), c.TotalDevices, fmtTime(c.CreatedAt))
	if err != nil {
		return "", classify(err)
	}

	for _, a := range c.Actions {
		if err := insertAction(ctx, tx, c.ID, a); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", classify(err)
	}
	return c.ID, nil
}

func insertAction(ctx context.Context, tx *sql.Tx, courseID string, a CourseAction) error {
	id := a.ID
	if id == "" {
		id = clock.NewID()
	}
	var behavior any
	if len(a.BehaviorConfig) > 0 {
		behavior = string(a.BehaviorConfig)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO course_actions (
			id, course_id, sequence, device_id, action, action_type, audio_clip,
			min_time, max_time, triggers_next_athlete, marks_run_complete,
			group_identifier, behavior_config
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, courseID, a.Sequence, a.DeviceID, a.Action, nullStr(a.ActionType), nullStr(a.AudioClip),
		a.MinTime, a.MaxTime, boolInt(a.TriggersNextAthlete), boolInt(a.MarksRunComplete),
		nullStr(a.GroupIdentifier), behavior)
	return classify(err)
}

func validateActionSequences(actions []CourseAction) error {
	seen := make(map[int]bool, len(actions))
	for _, a := range actions {
		if a.Sequence < 0 || a.Sequence >= len(actions) {
			return fmt.Errorf("store: action sequence %d out of range [0,%d)", a.Sequence, len(actions))
		}
		if seen[a.Sequence] {
			return fmt.Errorf("store: duplicate action sequence %d", a.Sequence)
		}
		seen[a.Sequence] = true
	}
	return nil
}

// GetCourse fetches a course and its actions ordered by sequence.
func (s *Store) GetCourse(ctx context.Context, id string) (*Course, error) {
	return s.getCourse(ctx, `WHERE id = ?`, id)
}

// GetCourseByName fetches a course by its unique name.
func (s *Store) GetCourseByName(ctx context.Context, name string) (*Course, error) {
	return s.getCourse(ctx, `WHERE name = ?`, name)
}

func (s *Store) getCourse(ctx context.Context, where string, arg any) (*Course, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, description, type, mode, category, total_devices, created_at
		FROM courses `+where, arg)

	var c Course
	var desc, category sql.NullString
	var mode, created string
	err := row.Scan(&c.ID, &c.Name, &desc, &c.Type, &mode, &category, &c.TotalDevices, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Description = desc.String
	c.Category = category.String
	c.Mode = CourseMode(mode)
	if ts, err := nullToTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
		c.CreatedAt = *ts
	}

	actions, err := s.courseActions(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Actions = actions
	return &c, nil
}

func (s *Store) courseActions(ctx context.Context, courseID string) ([]CourseAction, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, course_id, sequence, device_id, action, action_type, audio_clip,
			min_time, max_time, triggers_next_athlete, marks_run_complete,
			group_identifier, behavior_config
		FROM course_actions WHERE course_id = ? ORDER BY sequence`, courseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CourseAction
	for rows.Next() {
		var a CourseAction
		var actionType, audioClip, group, behavior sql.NullString
		var triggers, completes int
		err := rows.Scan(&a.ID, &a.CourseID, &a.Sequence, &a.DeviceID, &a.Action, &actionType, &audioClip,
			&a.MinTime, &a.MaxTime, &triggers, &completes, &group, &behavior)
		if err != nil {
			return nil, err
		}
		a.ActionType = actionType.String
		a.AudioClip = audioClip.String
		a.GroupIdentifier = group.String
		a.TriggersNextAthlete = triggers != 0
		a.MarksRunComplete = completes != 0
		if behavior.Valid {
			a.BehaviorConfig = []byte(behavior.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListCourses returns all courses (without actions) ordered by name.
func (s *Store) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, description, type, mode, category, total_devices, created_at
		FROM courses ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Course
	for rows.Next() {
		var c Course
		var desc, category sql.NullString
		var mode, created string
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.Type, &mode, &category, &c.TotalDevices, &created); err != nil {
			return nil, err
		}
		c.Description = desc.String
		c.Category = category.String
		c.Mode = CourseMode(mode)
		if ts, err := nullToTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
			c.CreatedAt = *ts
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DuplicateCourse copies a course and its actions under a uniquified
// name ("Name (copy)", "Name (copy 2)", ...).
func (s *Store) DuplicateCourse(ctx context.Context, id string) (string, error) {
	src, err := s.GetCourse(ctx, id)
	if err != nil {
		return "", err
	}

	base := src.Name + " (copy)"
	name := base
	for i := 2; ; i++ {
		var exists int
		err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM courses WHERE name = ?`, name).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s (copy %d)", src.Name, i)
	}

	dup := *src
	dup.ID = ""
	dup.Name = name
	for i := range dup.Actions {
		dup.Actions[i].ID = ""
	}
	return s.CreateCourse(ctx, dup)
}

// DeleteCourse removes a course and, via cascade, its actions. Courses
// referenced by sessions are protected by the FK and fail terminally.
func (s *Store) DeleteCourse(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

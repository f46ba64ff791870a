package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/agilityfleet/conectl/internal/clock"
)

// CreateTeam inserts a team. Name collisions return ErrAlreadyExists.
func (s *Store) CreateTeam(ctx context.Context, t Team) (string, error) {
	if t.ID == "" {
		t.ID = clock.NewID()
	}
	t.CreatedAt = s.clock.Now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO teams (id, name, age_group, sport, coach, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nullStr(t.AgeGroup), nullStr(t.Sport), nullStr(t.Coach), boolInt(true), fmtTime(t.CreatedAt))
	if err != nil {
		return "", classify(err)
	}
	return t.ID, nil
}

// GetTeam fetches a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, age_group, sport, coach, active, created_at
		FROM teams WHERE id = ?`, id)
	return scanTeam(row)
}

// ListTeams returns active teams ordered by name.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, age_group, sport, coach, active, created_at
		FROM teams WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ArchiveTeam soft-archives a team; athletes and history remain.
func (s *Store) ArchiveTeam(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE teams SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAthlete inserts an athlete under a team.
func (s *Store) CreateAthlete(ctx context.Context, a Athlete) (string, error) {
	if a.ID == "" {
		a.ID = clock.NewID()
	}
	a.CreatedAt = s.clock.Now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO athletes (id, team_id, name, jersey_number, age, position, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.TeamID, a.Name, nullInt(a.JerseyNumber), nullInt(a.Age), nullStr(a.Position), fmtTime(a.CreatedAt))
	if err != nil {
		return "", classify(err)
	}
	return a.ID, nil
}

// GetAthlete fetches an athlete by id (including soft-deleted ones, so
// historical runs still resolve names).
func (s *Store) GetAthlete(ctx context.Context, id string) (*Athlete, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, team_id, name, jersey_number, age, position, deleted, created_at
		FROM athletes WHERE id = ?`, id)
	return scanAthlete(row)
}

// ListAthletes returns the team's non-deleted athletes.
func (s *Store) ListAthletes(ctx context.Context, teamID string) ([]Athlete, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, team_id, name, jersey_number, age, position, deleted, created_at
		FROM athletes WHERE team_id = ? AND deleted = 0 ORDER BY name`, teamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Athlete
	for rows.Next() {
		a, err := scanAthlete(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAthlete soft-deletes an athlete.
func (s *Store) DeleteAthlete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE athletes SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(r rowScanner) (*Team, error) {
	var t Team
	var ageGroup, sport, coach sql.NullString
	var active int
	var created string
	err := r.Scan(&t.ID, &t.Name, &ageGroup, &sport, &coach, &active, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.AgeGroup = ageGroup.String
	t.Sport = sport.String
	t.Coach = coach.String
	t.Active = active != 0
	if ts, err := nullToTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}

func scanAthlete(r rowScanner) (*Athlete, error) {
	var a Athlete
	var jersey, age sql.NullInt64
	var position sql.NullString
	var deleted int
	var created string
	err := r.Scan(&a.ID, &a.TeamID, &a.Name, &jersey, &age, &position, &deleted, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.JerseyNumber = intPtr(jersey)
	a.Age = intPtr(age)
	a.Position = position.String
	a.Deleted = deleted != 0
	if ts, err := nullToTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
		a.CreatedAt = *ts
	}
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

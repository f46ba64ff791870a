package store

import (
	"context"
	"database/sql"
	"time"
)

// DashboardStats summarises fleet activity for the landing view.
type DashboardStats struct {
	Teams             int `json:"teams"`
	Athletes          int `json:"athletes"`
	Courses           int `json:"courses"`
	SessionsToday     int `json:"sessions_today"`
	CompletedSessions int `json:"completed_sessions"`
}

// GetDashboardStats computes the dashboard counters.
func (s *Store) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	var st DashboardStats
	today := s.clock.Now().Truncate(24 * time.Hour)

	row := s.DB.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM teams WHERE active = 1),
			(SELECT COUNT(*) FROM athletes WHERE deleted = 0),
			(SELECT COUNT(*) FROM courses),
			(SELECT COUNT(*) FROM sessions WHERE created_at >= ?),
			(SELECT COUNT(*) FROM sessions WHERE status = ?)`,
		fmtTime(today), string(SessionCompleted))
	if err := row.Scan(&st.Teams, &st.Athletes, &st.Courses, &st.SessionsToday, &st.CompletedSessions); err != nil {
		return nil, err
	}
	return &st, nil
}

// ActivityItem is one row of the recent-activity feed.
type ActivityItem struct {
	SessionID   string     `json:"session_id"`
	TeamName    string     `json:"team_name"`
	CourseName  string     `json:"course_name"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetRecentActivity lists the newest sessions with team and course names.
func (s *Store) GetRecentActivity(ctx context.Context, limit int) ([]ActivityItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT s.id, t.name, c.name, s.status, s.created_at, s.completed_at
		FROM sessions s
		JOIN teams t ON t.id = s.team_id
		JOIN courses c ON c.id = s.course_id
		ORDER BY s.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityItem
	for rows.Next() {
		var it ActivityItem
		var created string
		var completed sql.NullString
		if err := rows.Scan(&it.SessionID, &it.TeamName, &it.CourseName, &it.Status, &created, &completed); err != nil {
			return nil, err
		}
		if ts, err := nullToTime(sql.NullString{String: created, Valid: true}); err == nil && ts != nil {
			it.CreatedAt = *ts
		}
		if it.CompletedAt, err = nullToTime(completed); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// RankingEntry is one athlete's best completed time on a course.
type RankingEntry struct {
	AthleteID   string    `json:"athlete_id"`
	AthleteName string    `json:"athlete_name"`
	TeamName    string    `json:"team_name"`
	BestTime    float64   `json:"best_time"`
	Runs        int       `json:"runs"`
	AchievedAt  time.Time `json:"achieved_at"`
}

// GetCourseRankings ranks athletes by best completed total_time on the
// course, fastest first.
func (s *Store) GetCourseRankings(ctx context.Context, courseID string, limit int) ([]RankingEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT r.athlete_id, a.name, t.name, MIN(r.total_time), COUNT(*), MAX(r.completed_at)
		FROM runs r
		JOIN sessions s ON s.id = r.session_id
		JOIN athletes a ON a.id = r.athlete_id
		JOIN teams t ON t.id = a.team_id
		WHERE s.course_id = ? AND r.status = ? AND r.total_time IS NOT NULL
		GROUP BY r.athlete_id
		ORDER BY MIN(r.total_time) ASC
		LIMIT ?`, courseID, string(RunCompleted), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RankingEntry
	for rows.Next() {
		var e RankingEntry
		var achieved sql.NullString
		if err := rows.Scan(&e.AthleteID, &e.AthleteName, &e.TeamName, &e.BestTime, &e.Runs, &achieved); err != nil {
			return nil, err
		}
		if ts, err := nullToTime(achieved); err == nil && ts != nil {
			e.AchievedAt = *ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecoverInterruptedSessions marks every session left active by a
// previous process (and its running runs) incomplete. The in-memory run
// state died with the process, so the sessions cannot advance; this
// restores the "at most one running run" invariant on startup.
func (s *Store) RecoverInterruptedSessions(ctx context.Context) (int, error) {
	const note = "System restart during active session"
	now := s.clock.Now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE status = ? AND session_id IN (SELECT id FROM sessions WHERE status IN (?, ?))`,
		string(RunIncomplete), fmtTime(now), string(RunRunning),
		string(SessionSetup), string(SessionActive))
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, notes = ?
		WHERE status IN (?, ?)`,
		string(SessionIncomplete), fmtTime(now), note,
		string(SessionSetup), string(SessionActive))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

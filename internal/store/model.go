package store

import (
	"encoding/json"
	"time"
)

// CourseMode selects the session engine behavior for a course.
type CourseMode string

const (
	ModeSequential CourseMode = "sequential"
	ModePattern    CourseMode = "pattern"
	ModeGroup      CourseMode = "group"
)

// SessionStatus is the session lifecycle.
type SessionStatus string

const (
	SessionSetup      SessionStatus = "setup"
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionIncomplete SessionStatus = "incomplete"
)

// IsTerminal reports whether the session can no longer advance.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionIncomplete
}

// RunStatus is the per-athlete run lifecycle. A run moves
// queued → running → {completed | incomplete} and never returns.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunIncomplete RunStatus = "incomplete"
	RunDropped    RunStatus = "dropped"
	RunAbsent     RunStatus = "absent"
)

// AlertType marks a segment anomaly.
type AlertType string

const (
	AlertMissedTouch AlertType = "missed_touch"
	AlertTooFast     AlertType = "too_fast"
	AlertTooSlow     AlertType = "too_slow"
)

// PatternSentinelMax is the expected_max_time sentinel on pattern-mode
// segments; bounds checking never applies to them.
const PatternSentinelMax = 999

// Team groups athletes for session creation.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgeGroup  string    `json:"age_group,omitempty"`
	Sport     string    `json:"sport,omitempty"`
	Coach     string    `json:"coach,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Athlete is a team member. Soft-deletable.
type Athlete struct {
	ID           string    `json:"id"`
	TeamID       string    `json:"team_id"`
	Name         string    `json:"name"`
	JerseyNumber *int      `json:"jersey_number,omitempty"`
	Age          *int      `json:"age,omitempty"`
	Position     string    `json:"position,omitempty"`
	Deleted      bool      `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Course is a named, ordered arrangement of per-device actions.
type Course struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type"`
	Mode         CourseMode     `json:"mode"`
	Category     string         `json:"category,omitempty"`
	TotalDevices int            `json:"total_devices"`
	Actions      []CourseAction `json:"actions,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// CourseAction assigns one cone its role within a course.
type CourseAction struct {
	ID                  string  `json:"id"`
	CourseID            string  `json:"course_id"`
	Sequence            int     `json:"sequence"`
	DeviceID            string  `json:"device_id"`
	Action              string  `json:"action"`
	ActionType          string  `json:"action_type,omitempty"`
	AudioClip           string  `json:"audio_clip,omitempty"`
	MinTime             float64 `json:"min_time"`
	MaxTime             float64 `json:"max_time"`
	TriggersNextAthlete bool    `json:"triggers_next_athlete"`
	MarksRunComplete    bool    `json:"marks_run_complete"`
	GroupIdentifier     string  `json:"group_identifier,omitempty"`
	// BehaviorConfig carries a cone's assigned color in pattern mode and
	// pattern parameters on the start device.
	BehaviorConfig json.RawMessage `json:"behavior_config,omitempty"`
}

// BehaviorConfig is the decoded shape of CourseAction.BehaviorConfig.
type BehaviorConfig struct {
	Color          string  `json:"color,omitempty"`
	PatternLength  int     `json:"pattern_length,omitempty"`
	AllowRepeats   *bool   `json:"allow_repeats,omitempty"`
	DebounceMS     int     `json:"debounce_ms,omitempty"`
	ErrorFeedbackS float64 `json:"error_feedback_s,omitempty"`
}

// Behavior decodes the action's behavior blob; a nil blob yields the
// zero value.
func (a CourseAction) Behavior() BehaviorConfig {
	var b BehaviorConfig
	if len(a.BehaviorConfig) > 0 {
		_ = json.Unmarshal(a.BehaviorConfig, &b)
	}
	return b
}

// Session is one execution of a course against a team's athletes.
type Session struct {
	ID            string          `json:"id"`
	TeamID        string          `json:"team_id"`
	CourseID      string          `json:"course_id"`
	Status        SessionStatus   `json:"status"`
	AudioVoice    string          `json:"audio_voice,omitempty"`
	PatternConfig json.RawMessage `json:"pattern_config,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Run is one athlete's attempt within a session.
type Run struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	AthleteID     string     `json:"athlete_id"`
	AthleteName   string     `json:"athlete_name,omitempty"`
	QueuePosition int        `json:"queue_position"`
	Status        RunStatus  `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TimerStartAt  *time.Time `json:"timer_start_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TotalTime     *float64   `json:"total_time,omitempty"`
}

// Segment is one expected device-to-device traversal within a run.
type Segment struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	Sequence        int        `json:"sequence"`
	FromDevice      string     `json:"from_device"`
	ToDevice        string     `json:"to_device"`
	ExpectedMinTime float64    `json:"expected_min_time"`
	ExpectedMaxTime float64    `json:"expected_max_time"`
	ActualTime      *float64   `json:"actual_time,omitempty"`
	CumulativeTime  *float64   `json:"cumulative_time,omitempty"`
	TouchDetected   bool       `json:"touch_detected"`
	TouchTimestamp  *time.Time `json:"touch_timestamp,omitempty"`
	AlertRaised     bool       `json:"alert_raised"`
	AlertType       AlertType  `json:"alert_type,omitempty"`
}

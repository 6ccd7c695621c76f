package schedules

import (
	"time"
)

// Type selects which trigger fields of a Schedule are meaningful.
type Type string

const (
	TypeDaily    Type = "daily"
	TypeInterval Type = "interval"
	TypeOnce     Type = "once"
)

// Valid reports whether t is one of the known schedule types.
func (t Type) Valid() bool {
	switch t {
	case TypeDaily, TypeInterval, TypeOnce:
		return true
	}
	return false
}

// Schedule represents a row in the schedules table.
type Schedule struct {
	ID             string     `json:"id"`
	Token          string     `json:"token"`
	UserID         int64      `json:"user_id"`
	ScenarioID     int64      `json:"scenario_id"`
	Type           Type       `json:"type"`
	TimeHHMM       *string    `json:"time_hhmm,omitempty"`
	TimesHHMM      []string   `json:"times_hhmm,omitempty"`
	Timezone       *string    `json:"timezone,omitempty"`
	EveryMinutes   *int       `json:"every_minutes,omitempty"`
	RunAt          *time.Time `json:"run_at,omitempty"`
	Active         bool       `json:"active"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastStatusCode *int       `json:"last_status_code,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ClaimedRow is the tuple handed to the worker for each leased schedule.
type ClaimedRow struct {
	ID         string
	Token      string
	UserID     int64
	ScenarioID int64
	Type       Type
}

// ListFilter narrows List results. Nil fields match everything.
type ListFilter struct {
	Token  *string
	UserID *int64
	Active *bool
}

// Delta carries the mutable fields of an update. Nil fields are left
// untouched; the store persists whatever the caller resolved.
type Delta struct {
	Token        *string
	UserID       *int64
	ScenarioID   *int64
	TimeHHMM     *string
	TimesHHMM    []string
	Timezone     *string
	EveryMinutes *int
	RunAt        *time.Time
	Active       *bool
}

// Outcome records the result of one fire for writeback.
type Outcome struct {
	FiredAt    time.Time
	StatusCode *int
	Error      *string
	NextRunAt  *time.Time
	Active     bool
}

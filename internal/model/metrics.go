package model

import "time"

// SessionCounts holds per-kind event counts for one session.
type SessionCounts struct {
	SessionID   string    `json:"session_id" yaml:"session_id"`
	ProjectPath string    `json:"project_path,omitempty" yaml:"project_path,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero" yaml:"ended_at,omitempty"`
	Commands    int       `json:"commands" yaml:"commands"`
	Outputs     int       `json:"outputs" yaml:"outputs"`
	Errors      int       `json:"errors" yaml:"errors"`
	Events      int       `json:"events" yaml:"events"`
}

// CommandCount is one entry of a top-commands ranking.
type CommandCount struct {
	Command string `json:"command" yaml:"command"`
	Count   int    `json:"count" yaml:"count"`
}

// SummaryStats holds the aggregate across sessions for a project and window.
type SummaryStats struct {
	ProjectPath   string          `json:"project_path,omitempty" yaml:"project_path,omitempty"`
	Since         time.Time       `json:"since" yaml:"since"`
	TotalSessions int             `json:"total_sessions" yaml:"total_sessions"`
	TotalEvents   int             `json:"total_events" yaml:"total_events"`
	Commands      int             `json:"commands" yaml:"commands"`
	Outputs       int             `json:"outputs" yaml:"outputs"`
	Errors        int             `json:"errors" yaml:"errors"`
	ActiveDays    int             `json:"active_days" yaml:"active_days"`
	TopCommands   []CommandCount  `json:"top_commands" yaml:"top_commands"`
	Sessions      []SessionCounts `json:"sessions" yaml:"sessions"`
}

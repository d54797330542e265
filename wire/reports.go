// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"time"
)

// LogEntry is one observability record as shown to dashboards.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogBroadcast pushes a single log entry to dashboard sessions.
type LogBroadcast struct {
	Type string   `json:"type"`
	Log  LogEntry `json:"log"`
}

// NewLogBroadcast wraps entry for fan-out.
func NewLogBroadcast(entry LogEntry) LogBroadcast {
	return LogBroadcast{Type: TypeLog, Log: entry}
}

// StatusReport describes the broker's current bindings and load.
type StatusReport struct {
	ActiveClients   []string `json:"activeClients"`
	PendingRequests int      `json:"pendingRequests"`
}

// StatusBroadcast pushes a status report to dashboard sessions.
type StatusBroadcast struct {
	Type   string       `json:"type"`
	Status StatusReport `json:"status"`
}

// NewStatusBroadcast wraps report for fan-out.
func NewStatusBroadcast(report StatusReport) StatusBroadcast {
	return StatusBroadcast{Type: TypeStatus, Status: report}
}

// BucketReport aggregates completions within one hourly or daily bucket.
type BucketReport struct {
	Received  uint64 `json:"received"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

// StatsReport is the cumulative and windowed statistics view.
type StatsReport struct {
	Received          uint64                  `json:"received"`
	Succeeded         uint64                  `json:"succeeded"`
	Failed            uint64                  `json:"failed"`
	AverageResponseMs float64                 `json:"averageResponseMs"`
	P95ResponseMs     float64                 `json:"p95ResponseMs"`
	Hourly            map[string]BucketReport `json:"hourly"`
	Daily             map[string]BucketReport `json:"daily"`
}

// StatsBroadcast pushes a statistics report to dashboard sessions.
type StatsBroadcast struct {
	Type  string      `json:"type"`
	Stats StatsReport `json:"stats"`
}

// NewStatsBroadcast wraps report for fan-out.
func NewStatsBroadcast(report StatsReport) StatsBroadcast {
	return StatsBroadcast{Type: TypeStats, Stats: report}
}

// StatusResult is the body of GET /api/status.
type StatusResult struct {
	ServerStartTime time.Time   `json:"serverStartTime"`
	ActiveClients   []string    `json:"activeClients"`
	PendingRequests int         `json:"pendingRequests"`
	Stats           StatsReport `json:"stats"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResult is the success body of POST /auth/login. ExpiresIn is in
// seconds.
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// DefectThreshold is the reading above which a threshold-only submission is defective.
const DefectThreshold = 100.0

// DetectionLine is one JSON object printed by the detector process.
type DetectionLine struct {
	DeviceID  string          `json:"device_id"`
	Value     *float64        `json:"value,omitempty"`
	Defective bool            `json:"defective"`
	ImagePath string          `json:"image_path,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// HasError reports whether the line carries a truthy error field.
func (l *DetectionLine) HasError() bool {
	e := bytes.TrimSpace(l.Error)
	if len(e) == 0 {
		return false
	}
	switch string(e) {
	case "null", "false", `""`, "0":
		return false
	}
	return true
}

type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}

type HealthStatus struct {
	Status        string `json:"status"`
	Database      bool   `json:"database"`
	Detection     string `json:"detection"`
	ActiveClients int    `json:"active_clients"`
	Uptime        string `json:"uptime"`
	Timestamp     string `json:"timestamp"`
}

// DetectionStatus describes the local detector run as seen by the dashboard.
type DetectionStatus struct {
	State     string     `json:"state"`
	RunID     string     `json:"run_id,omitempty"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Events    int64      `json:"events"`
}

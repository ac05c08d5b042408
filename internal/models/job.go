package models

import (
	"time"
)

// Job kinds. Uploaded jobs carry arbitrary automation code resolved from a
// stored artifact path; prebuilt jobs name a unit from a fixed registry.
const (
	KindUploaded = "uploaded"
	KindPrebuilt = "prebuilt"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// Transitions are forward-only: pending -> running -> {success, failed}.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// JobRecord is the durable state for one unit of automation work.
type JobRecord struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name,omitempty"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	Submitter    string         `json:"submitter"`
	QueueClass   string         `json:"queue_class"`
	Status       string         `json:"status"`
	Params       map[string]any `json:"params"`
	Result       map[string]any `json:"result,omitempty"`
	Logs         []string       `json:"logs,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Terminal reports whether the record has reached a final state.
func (j JobRecord) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}

// Measurement is one WAN health sample. Target is empty for the global
// composite row.
type Measurement struct {
	Target        string    `json:"target,omitempty"`
	LatencyMS     float64   `json:"latency_ms"`
	JitterMS      float64   `json:"jitter_ms"`
	PacketLossPct float64   `json:"packet_loss_pct"`
	Score         float64   `json:"score"`
	MeasuredAt    time.Time `json:"measured_at"`
}

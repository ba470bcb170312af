// Package runner defines the wire protocol between the orchestrator and a
// remote transcription runner, plus a submit/poll/collect client.
//
// Both sides of the protocol import this package: the orchestrator's
// dispatcher uses Client, and scribarr-asrd serves these types. A runner
// accepts a WAV over POST /transcribe, reports per-job progress on
// GET /transcribe/{id}, and exposes GET /health and GET /status.
package runner

import "time"

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Segment is a recognized span of speech. Timestamps are seconds from the
// start of the submitted audio; the runner globalizes chunk-local times
// before responding.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SubmitResponse acknowledges an accepted job (HTTP 202).
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse is the body of GET /transcribe/{id}. While the job is
// pending or processing only Status and Progress are set (HTTP 202); a
// completed job carries Text, Language and Segments; a failed one carries
// Error.
type StatusResponse struct {
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`
	Text     string    `json:"text,omitempty"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Result is a completed remote transcription as consumed by the
// orchestrator.
type Result struct {
	Text     string
	Language string
	Segments []Segment
}

// JobSummary is one entry in the /status job list.
type JobSummary struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"`
	Device    int       `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceState reports one GPU slot's health.
type DeviceState struct {
	ID       int  `json:"id"`
	Disabled bool `json:"disabled"`
	InFlight int  `json:"in_flight"`
}

// SystemStats is a snapshot of the runner host, reported on /status.
type SystemStats struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Jobs    []JobSummary  `json:"jobs"`
	Devices []DeviceState `json:"devices"`
	System  *SystemStats  `json:"system,omitempty"`
}

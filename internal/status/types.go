// Package status exposes the progress of a publishing run over HTTP.
package status

import (
	"time"

	"github.com/stacklok/api-publisher/internal/changes"
	"github.com/stacklok/api-publisher/internal/streaming"
)

// RunPhase represents the lifecycle phase of a publishing run
type RunPhase string

const (
	// RunPhasePending means the run has not started yet
	RunPhasePending RunPhase = "Pending"

	// RunPhaseRunning means the run is in progress
	RunPhaseRunning RunPhase = "Running"

	// RunPhaseComplete means the run finished and the change version was recorded
	RunPhaseComplete RunPhase = "Complete"

	// RunPhaseFailed means the run finished without recording a change version
	RunPhaseFailed RunPhase = "Failed"
)

// RunStatus is a point-in-time view of a publishing run
type RunStatus struct {
	// Phase represents the lifecycle phase of the run
	Phase RunPhase `json:"phase"`

	// Step is the orchestrator step currently executing, for example "upserts"
	Step string `json:"step,omitempty"`

	// Message provides additional information, typically the failure reason
	Message string `json:"message,omitempty"`

	Source string `json:"source"`
	Target string `json:"target"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// ChangeWindow is the range being published, nil on a full load without change queries
	ChangeWindow *changes.Window `json:"changeWindow,omitempty"`

	// ErrorCount is the number of item failures published so far
	ErrorCount int64 `json:"errorCount"`

	// Resources holds the pipeline states of the phase being streamed
	Resources []streaming.ResourceProgress `json:"resources,omitempty"`
}

// IsFinished reports whether the run reached a terminal phase
func (s RunStatus) IsFinished() bool {
	return s.Phase == RunPhaseComplete || s.Phase == RunPhaseFailed
}

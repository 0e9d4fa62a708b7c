package session

import (
	"time"

	"github.com/example/lung-check/internal/predictor"
)

// HealthStatus is the tri-state outcome of the backend health check.
type HealthStatus string

const (
	HealthChecking HealthStatus = "checking"
	HealthOK       HealthStatus = "ok"
	HealthDown     HealthStatus = "down"
)

// Messages shown next to the health badge.
const (
	CheckingMessage    = "Checking backend…"
	UnreachableMessage = "Backend unreachable"
)

// HealthState is refreshed once per page mount and never re-polled in between.
type HealthState struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message"`
}

// UploadState tracks the single submission lifecycle of a session.
// At most one of Result and Error is set.
type UploadState struct {
	SelectedFile string                      `json:"selected_file,omitempty"`
	Loading      bool                        `json:"loading"`
	Result       *predictor.PredictionResult `json:"result,omitempty"`
	Error        string                      `json:"error,omitempty"`
}

// State is everything the page needs to render one browser session.
type State struct {
	ID        string      `json:"id"`
	Health    HealthState `json:"health"`
	Upload    UploadState `json:"upload"`
	CreatedAt time.Time   `json:"created_at"`
}

// New returns the initial state of a freshly opened session.
func New(id string, now time.Time) *State {
	return &State{
		ID:        id,
		Health:    HealthState{Status: HealthChecking, Message: CheckingMessage},
		CreatedAt: now.UTC(),
	}
}

// CanSubmit reports whether the submit control is enabled.
func (s *State) CanSubmit() bool {
	return s.Health.Status == HealthOK && !s.Upload.Loading
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Upload.Result != nil {
		result := *s.Upload.Result
		if result.Heatmap != nil {
			heatmap := *result.Heatmap
			result.Heatmap = &heatmap
		}
		clone.Upload.Result = &result
	}
	return &clone
}

package predictor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// LabelCancer is the label the backend uses for a positive finding.
const LabelCancer = "cancer"

// PredictionResult is the body of a successful POST /predict.
type PredictionResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
	// Heatmap is a base64 encoded PNG, absent when the backend sends none.
	Heatmap *string `json:"heatmap,omitempty"`
}

// IsCancer reports whether the prediction is a positive finding.
func (r *PredictionResult) IsCancer() bool {
	return r != nil && r.Label == LabelCancer
}

// ConfidencePercent renders the confidence as a percentage with two decimals.
func (r *PredictionResult) ConfidencePercent() string {
	return fmt.Sprintf("%.2f%%", r.Confidence*100)
}

// HasHeatmap reports whether a non-empty heatmap payload was returned.
func (r *PredictionResult) HasHeatmap() bool {
	return r != nil && r.Heatmap != nil && *r.Heatmap != ""
}

// HeatmapPNG decodes the heatmap payload.
func (r *PredictionResult) HeatmapPNG() ([]byte, error) {
	if !r.HasHeatmap() {
		return nil, errors.New("prediction has no heatmap")
	}
	return base64.StdEncoding.DecodeString(*r.Heatmap)
}

// Time parses the ISO-8601 timestamp. Timestamps without a zone offset are
// read in local time.
func (r *PredictionResult) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err == nil {
		return t, nil
	}
	if naive, naiveErr := time.ParseInLocation("2006-01-02T15:04:05.999999999", r.Timestamp, time.Local); naiveErr == nil {
		return naive, nil
	}
	return time.Time{}, err
}

// HealthReport is the outcome of a successful GET /health.
type HealthReport struct {
	Status string
}

// Upload is a single image selected by the user.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Client is the subset of backend functionality the portal relies on.
type Client interface {
	Health(ctx context.Context) (*HealthReport, error)
	Predict(ctx context.Context, upload Upload) (*PredictionResult, error)
}

// GenericFailureMessage is shown when the backend rejects an upload without detail.
const GenericFailureMessage = "Upload failed"

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return GenericFailureMessage
}

// NetworkError marks a failure to reach the backend at all.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

var networkMarkers = []string{
	"Failed to fetch",
	"NetworkError",
	"connection refused",
	"no such host",
}

// IsNetworkError reports whether err means the backend could not be reached.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

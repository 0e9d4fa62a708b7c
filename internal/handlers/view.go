package handlers

import (
	"html/template"

	"github.com/example/lung-check/internal/predictor"
	"github.com/example/lung-check/internal/session"
)

const timeLayout = "1/2/2006, 3:04:05 PM"

type pageView struct {
	Backend       string
	HealthStatus  string
	HealthMessage string
	CanSubmit     bool
	Loading       bool
	Error         string
	Result        *resultView
}

type resultView struct {
	Label      string
	Cancer     bool
	Confidence string
	Time       string
	Heatmap    template.URL
}

func newPageView(backend string, state *session.State) pageView {
	view := pageView{
		Backend:       backend,
		HealthStatus:  string(state.Health.Status),
		HealthMessage: state.Health.Message,
		CanSubmit:     state.CanSubmit(),
		Loading:       state.Upload.Loading,
		Error:         state.Upload.Error,
	}
	if state.Upload.Result != nil {
		view.Result = newResultView(state.Upload.Result)
	}
	return view
}

func newResultView(result *predictor.PredictionResult) *resultView {
	view := &resultView{
		Label:      result.Label,
		Cancer:     result.IsCancer(),
		Confidence: result.ConfidencePercent(),
		Time:       result.Timestamp,
	}
	if t, err := result.Time(); err == nil {
		view.Time = t.Local().Format(timeLayout)
	}
	if _, err := result.HeatmapPNG(); err == nil {
		view.Heatmap = template.URL("data:image/png;base64," + *result.Heatmap)
	}
	return view
}

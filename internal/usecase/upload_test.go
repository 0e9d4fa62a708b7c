package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/example/lung-check/internal/predictor"
	"github.com/example/lung-check/internal/session"
)

type stubBackend struct {
	mu           sync.Mutex
	healthReport *predictor.HealthReport
	healthErr    error
	healthCalls  int
	result       *predictor.PredictionResult
	predictErr   error
	predictCalls int
	onPredict    func(ctx context.Context)
}

func (s *stubBackend) Health(ctx context.Context) (*predictor.HealthReport, error) {
	s.mu.Lock()
	s.healthCalls++
	s.mu.Unlock()
	if s.healthErr != nil {
		return nil, s.healthErr
	}
	return s.healthReport, nil
}

func (s *stubBackend) Predict(ctx context.Context, upload predictor.Upload) (*predictor.PredictionResult, error) {
	s.mu.Lock()
	s.predictCalls++
	s.mu.Unlock()
	if s.onPredict != nil {
		s.onPredict(ctx)
	}
	if s.predictErr != nil {
		return nil, s.predictErr
	}
	return s.result, nil
}

func newUpload() *predictor.Upload {
	return &predictor.Upload{Filename: "chest.png", ContentType: "image/png", Body: strings.NewReader("png")}
}

func openHealthy(t *testing.T, backend *stubBackend) (*UploadClient, *session.MemoryStore, string) {
	t.Helper()
	if backend.healthReport == nil && backend.healthErr == nil {
		backend.healthReport = &predictor.HealthReport{Status: "ready"}
	}
	store := session.NewMemoryStore(time.Minute)
	uc := NewUploadClient(store, backend, zap.NewNop())
	state, err := uc.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return uc, store, state.ID
}

func TestOpenChecksHealthOncePerMount(t *testing.T) {
	backend := &stubBackend{healthReport: &predictor.HealthReport{Status: "ready"}}
	uc, _, id := openHealthy(t, backend)

	state, err := uc.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if state.ID != id {
		t.Fatalf("expected session %q to be reused, got %q", id, state.ID)
	}
	want := session.HealthState{Status: session.HealthOK, Message: "ready"}
	if diff := cmp.Diff(want, state.Health); diff != "" {
		t.Fatalf("health mismatch (-want +got):\n%s", diff)
	}
	if backend.healthCalls != 2 {
		t.Fatalf("expected one health check per mount, got %d", backend.healthCalls)
	}
}

func TestSessionReusesStoredHealth(t *testing.T) {
	backend := &stubBackend{}
	uc, _, id := openHealthy(t, backend)

	if _, err := uc.Session(context.Background(), id); err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if _, err := uc.Submit(context.Background(), id, nil); err != nil {
		t.Fatalf("no-op submit failed: %v", err)
	}
	if backend.healthCalls != 1 {
		t.Fatalf("expected no health check outside a mount, got %d", backend.healthCalls)
	}
}

func TestSessionUnknownIDMountsNewSession(t *testing.T) {
	backend := &stubBackend{healthReport: &predictor.HealthReport{Status: "ready"}}
	uc := NewUploadClient(session.NewMemoryStore(time.Minute), backend, zap.NewNop())

	state, err := uc.Session(context.Background(), "expired")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if state.ID == "expired" || state.Health.Status != session.HealthOK {
		t.Fatalf("expected a freshly checked session, got %+v", state)
	}
}

func TestRemountAfterBackendRecovers(t *testing.T) {
	backend := &stubBackend{
		healthErr: errors.New("connection refused"),
		result:    &predictor.PredictionResult{Label: "normal", Confidence: 0.87},
	}
	uc, _, id := openHealthy(t, backend)

	if _, err := uc.Submit(context.Background(), id, newUpload()); !errors.Is(err, ErrSubmitDisabled) {
		t.Fatalf("expected ErrSubmitDisabled while down, got %v", err)
	}

	backend.healthErr = nil
	backend.healthReport = &predictor.HealthReport{Status: "ready"}
	state, err := uc.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !state.CanSubmit() {
		t.Fatalf("expected submit to be enabled after recovery, got %+v", state.Health)
	}

	state, err = uc.Submit(context.Background(), id, newUpload())
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}
	if state.Upload.Result == nil {
		t.Fatal("expected a stored result")
	}
}

func TestRemountKeepsLastOutcome(t *testing.T) {
	result := &predictor.PredictionResult{Label: "normal", Confidence: 0.87}
	backend := &stubBackend{result: result}
	uc, _, id := openHealthy(t, backend)

	if _, err := uc.Submit(context.Background(), id, newUpload()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	state, err := uc.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	want := session.UploadState{SelectedFile: "chest.png", Result: result}
	if diff := cmp.Diff(want, state.Upload); diff != "" {
		t.Fatalf("upload state mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthCheckDuringSubmissionIsKept(t *testing.T) {
	backend := &stubBackend{result: &predictor.PredictionResult{Label: "normal"}}
	uc, store, id := openHealthy(t, backend)
	backend.onPredict = func(ctx context.Context) {
		backend.healthReport = &predictor.HealthReport{Status: "busy"}
		if _, err := uc.Open(ctx, id); err != nil {
			t.Errorf("mount during request failed: %v", err)
		}
	}

	if _, err := uc.Submit(context.Background(), id, newUpload()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	stored, _ := store.Load(context.Background(), id)
	if stored.Health.Message != "busy" {
		t.Fatalf("expected latest health check to survive the submission, got %+v", stored.Health)
	}
	if stored.Upload.Loading || stored.Upload.Result == nil {
		t.Fatalf("unexpected upload state: %+v", stored.Upload)
	}
}

func TestOpenUnknownIDStartsNewSession(t *testing.T) {
	backend := &stubBackend{}
	uc, _, _ := openHealthy(t, backend)

	state, err := uc.Open(context.Background(), "expired")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if state.ID == "expired" || state.ID == "" {
		t.Fatalf("expected a fresh session id, got %q", state.ID)
	}
}

func TestBackendDownDisablesSubmit(t *testing.T) {
	backend := &stubBackend{healthErr: errors.New("TypeError: Failed to fetch")}
	uc, _, id := openHealthy(t, backend)

	state, err := uc.Submit(context.Background(), id, newUpload())
	if !errors.Is(err, ErrSubmitDisabled) {
		t.Fatalf("expected ErrSubmitDisabled, got %v", err)
	}
	want := session.HealthState{Status: session.HealthDown, Message: session.UnreachableMessage}
	if diff := cmp.Diff(want, state.Health); diff != "" {
		t.Fatalf("health mismatch (-want +got):\n%s", diff)
	}
	if state.CanSubmit() {
		t.Fatal("expected submit control to be disabled")
	}
	if backend.predictCalls != 0 {
		t.Fatalf("expected no prediction request, got %d", backend.predictCalls)
	}
}

func TestSubmitWithoutFileIsNoop(t *testing.T) {
	backend := &stubBackend{}
	uc, store, id := openHealthy(t, backend)

	before, _ := store.Load(context.Background(), id)
	before.Upload.Error = "previous error"
	if err := store.Save(context.Background(), before); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	state, err := uc.Submit(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if diff := cmp.Diff(before, state); diff != "" {
		t.Fatalf("state changed on no-op submit (-want +got):\n%s", diff)
	}
	if backend.predictCalls != 0 {
		t.Fatalf("expected no prediction request, got %d", backend.predictCalls)
	}
}

func TestSubmitSuccessStoresResult(t *testing.T) {
	result := &predictor.PredictionResult{Label: "normal", Confidence: 0.87, Timestamp: "2024-01-01T00:00:00Z"}
	backend := &stubBackend{result: result}
	uc, store, id := openHealthy(t, backend)

	backend.onPredict = func(ctx context.Context) {
		inflight, err := store.Load(ctx, id)
		if err != nil {
			t.Errorf("load during request failed: %v", err)
			return
		}
		if !inflight.Upload.Loading || inflight.Upload.Result != nil || inflight.Upload.Error != "" {
			t.Errorf("expected cleared loading state during request, got %+v", inflight.Upload)
		}
	}

	state, err := uc.Submit(context.Background(), id, newUpload())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	want := session.UploadState{SelectedFile: "chest.png", Result: result}
	if diff := cmp.Diff(want, state.Upload); diff != "" {
		t.Fatalf("upload state mismatch (-want +got):\n%s", diff)
	}

	stored, _ := store.Load(context.Background(), id)
	if diff := cmp.Diff(want, stored.Upload); diff != "" {
		t.Fatalf("stored upload state mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitFailureMessages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"backend detail", &predictor.HTTPError{StatusCode: 500, Detail: "model unavailable"}, "model unavailable"},
		{"generic", &predictor.HTTPError{StatusCode: 400}, "Upload failed"},
		{"fetch marker", errors.New("TypeError: Failed to fetch"), NetworkAdvisoryMessage},
		{"network", &predictor.NetworkError{Err: errors.New("dial tcp: i/o timeout")}, NetworkAdvisoryMessage},
		{"raw", errors.New("invalid character 'o' in literal null"), "invalid character 'o' in literal null"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			previous := &predictor.PredictionResult{Label: "cancer", Confidence: 0.5}
			backend := &stubBackend{predictErr: tc.err}
			uc, store, id := openHealthy(t, backend)

			seeded, _ := store.Load(context.Background(), id)
			seeded.Upload.Result = previous
			if err := store.Save(context.Background(), seeded); err != nil {
				t.Fatalf("save failed: %v", err)
			}

			state, err := uc.Submit(context.Background(), id, newUpload())
			if err != nil {
				t.Fatalf("expected failure to be recorded in state, got %v", err)
			}
			want := session.UploadState{SelectedFile: "chest.png", Error: tc.want}
			if diff := cmp.Diff(want, state.Upload); diff != "" {
				t.Fatalf("upload state mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubmitRejectsConcurrentRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &stubBackend{result: &predictor.PredictionResult{Label: "normal"}}
	uc, _, id := openHealthy(t, backend)
	backend.onPredict = func(ctx context.Context) {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := uc.Submit(context.Background(), id, newUpload())
		done <- err
	}()

	<-started
	state, err := uc.Submit(context.Background(), id, newUpload())
	if !errors.Is(err, ErrSubmissionInFlight) {
		t.Fatalf("expected ErrSubmissionInFlight, got %v", err)
	}
	if !state.Upload.Loading {
		t.Fatal("expected the stored state to show loading")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if backend.predictCalls != 1 {
		t.Fatalf("expected one prediction request, got %d", backend.predictCalls)
	}
}

func TestSubmitCancelledLeavesNeitherResultNorError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &stubBackend{predictErr: context.Canceled}
	uc, store, id := openHealthy(t, backend)
	backend.onPredict = func(context.Context) { cancel() }

	_, err := uc.Submit(ctx, id, newUpload())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, loadErr := store.Load(context.Background(), id)
	if loadErr != nil {
		t.Fatalf("load failed: %v", loadErr)
	}
	want := session.UploadState{SelectedFile: "chest.png"}
	if diff := cmp.Diff(want, stored.Upload); diff != "" {
		t.Fatalf("upload state mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	uc := NewUploadClient(session.NewMemoryStore(time.Minute), &stubBackend{}, zap.NewNop())
	if _, err := uc.Submit(context.Background(), "missing", newUpload()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lung-check/internal/logging"
	"github.com/example/lung-check/internal/predictor"
	"github.com/example/lung-check/internal/session"
)

// NetworkAdvisoryMessage replaces transport errors in the UI.
const NetworkAdvisoryMessage = "Cannot reach backend. Please check the server status or BACKEND_URL."

var (
	// ErrUnknownSession is returned when submitting against a session that was never opened or has expired.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSubmitDisabled is returned while the backend is not known to be healthy.
	ErrSubmitDisabled = errors.New("submission disabled: backend not available")
	// ErrSubmissionInFlight is returned when the session already has a request running.
	ErrSubmissionInFlight = errors.New("a submission is already in progress")
)

// UploadClient drives the per-session health check and prediction submissions.
type UploadClient struct {
	store   session.Store
	backend predictor.Client
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewUploadClient wires the session store and backend client together.
func NewUploadClient(store session.Store, backend predictor.Client, logger *zap.Logger) *UploadClient {
	return &UploadClient{
		store:    store,
		backend:  backend,
		logger:   logger.Named("upload_client"),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Open mounts the page for a session: it loads the session, or starts a new
// one when id is empty or expired, and runs one health check. Every mount
// checks once; nothing re-polls in between. The upload state is kept.
func (uc *UploadClient) Open(ctx context.Context, id string) (*session.State, error) {
	state, err := uc.load(ctx, id)
	if err != nil {
		return nil, err
	}

	uc.checkHealth(ctx, state)
	if err := uc.store.Save(ctx, state); err != nil {
		return nil, logging.NewOperationError("usecase.open", state.ID, err)
	}
	return state, nil
}

// Session returns the stored state without probing. An unknown session is
// mounted with Open.
func (uc *UploadClient) Session(ctx context.Context, id string) (*session.State, error) {
	if id != "" {
		state, err := uc.store.Load(ctx, id)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, logging.NewOperationError("usecase.session", id, err)
		}
	}
	return uc.Open(ctx, "")
}

func (uc *UploadClient) load(ctx context.Context, id string) (*session.State, error) {
	if id != "" {
		state, err := uc.store.Load(ctx, id)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, logging.NewOperationError("usecase.open", id, err)
		}
	}
	return session.New(uuid.NewString(), uc.now()), nil
}

func (uc *UploadClient) checkHealth(ctx context.Context, state *session.State) {
	opLogger := logging.WithOperation(uc.logger, "usecase.health_check", state.ID)

	report, err := uc.backend.Health(ctx)
	if err != nil {
		opLogger.Warn("backend health check failed", zap.Error(err))
		state.Health = session.HealthState{Status: session.HealthDown, Message: session.UnreachableMessage}
		return
	}
	opLogger.Info("backend healthy", zap.String("status", report.Status))
	state.Health = session.HealthState{Status: session.HealthOK, Message: report.Status}
}

// Submit sends the selected image to the backend and records the outcome in
// the session. A nil upload is a no-op. Backend failures end up in the
// returned state's Upload.Error and are not returned as errors.
func (uc *UploadClient) Submit(ctx context.Context, id string, upload *predictor.Upload) (state *session.State, err error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.submit", id)

	state, err = uc.store.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.submit", id, err)
	}

	if upload == nil {
		return state, nil
	}
	if state.Health.Status != session.HealthOK {
		return state, ErrSubmitDisabled
	}
	if state.Upload.Loading || !uc.acquire(id) {
		return state, ErrSubmissionInFlight
	}
	defer uc.release(id)

	state.Upload = session.UploadState{SelectedFile: upload.Filename, Loading: true}
	if err := uc.store.Save(ctx, state); err != nil {
		return nil, logging.NewOperationError("usecase.submit", id, err)
	}

	defer func() {
		saveCtx := context.WithoutCancel(ctx)
		// A page mounted during the request may have checked health again.
		if latest, loadErr := uc.store.Load(saveCtx, id); loadErr == nil {
			state.Health = latest.Health
		}
		state.Upload.Loading = false
		if saveErr := uc.store.Save(saveCtx, state); saveErr != nil {
			opLogger.Error("failed to store submission outcome", zap.Error(saveErr))
			if err == nil {
				err = logging.NewOperationError("usecase.submit", id, saveErr)
			}
		}
	}()

	result, predictErr := uc.backend.Predict(ctx, *upload)
	switch {
	case predictErr == nil:
		state.Upload.Result = result
		opLogger.Info("prediction stored", zap.String("label", result.Label), zap.Float64("confidence", result.Confidence))
	case ctx.Err() != nil && errors.Is(predictErr, ctx.Err()):
		opLogger.Info("submission cancelled", zap.Error(predictErr))
		return state, ctx.Err()
	default:
		state.Upload.Error = UserMessage(predictErr)
		opLogger.Warn("prediction failed", zap.Error(predictErr), zap.String("message", state.Upload.Error))
	}
	return state, nil
}

// UserMessage maps a submission error to the text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if predictor.IsNetworkError(err) {
		return NetworkAdvisoryMessage
	}

	var httpErr *predictor.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Error()
	}

	msg := err.Error()
	var opErr *logging.OperationError
	if errors.As(err, &opErr) && opErr.Err != nil {
		msg = opErr.Err.Error()
	}
	if msg == "" {
		return predictor.GenericFailureMessage
	}
	return msg
}

func (uc *UploadClient) acquire(id string) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if _, busy := uc.inFlight[id]; busy {
		return false
	}
	uc.inFlight[id] = struct{}{}
	return true
}

func (uc *UploadClient) release(id string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.inFlight, id)
}

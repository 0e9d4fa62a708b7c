package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/lung-check/internal/logging"
)

// FormField is the multipart field the backend reads the image from.
const FormField = "file"

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// maxErrorBody caps how much of a failed response is read for its detail.
const maxErrorBody = 1 << 20

// HTTPClient talks to the prediction backend over HTTP.
type HTTPClient struct {
	baseURL       string
	healthClient  *http.Client
	predictClient *http.Client
	logger        *zap.Logger
}

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithTimeouts sets the per-request timeouts for health checks and for uploads.
// A zero duration leaves the platform default (no timeout).
func WithTimeouts(health, predict time.Duration) Option {
	return func(c *HTTPClient) {
		c.healthClient.Timeout = health
		c.predictClient.Timeout = predict
	}
}

// NewHTTPClient returns a backend client rooted at baseURL, which must already
// be resolved (no trailing slash).
func NewHTTPClient(baseURL string, logger *zap.Logger, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:       baseURL,
		healthClient:  &http.Client{},
		predictClient: &http.Client{},
		logger:        logger.Named("predictor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health issues GET {backend}/health. Any non-2xx status, transport failure or
// unparsable body is an error.
func (c *HTTPClient) Health(ctx context.Context) (*HealthReport, error) {
	const operation = "predictor.health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.healthClient.Do(req)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", wrapTransport(err))
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, logging.NewOperationError(operation, "", fmt.Errorf("bad status %d", resp.StatusCode))
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, logging.NewOperationError(operation, "", fmt.Errorf("decode health body: %w", err))
	}
	if body == nil {
		return nil, logging.NewOperationError(operation, "", errors.New("empty health body"))
	}

	report := &HealthReport{Status: "ok"}
	if fields, ok := body.(map[string]any); ok {
		if status, ok := fields["status"].(string); ok && status != "" {
			report.Status = status
		}
	}
	c.logger.Debug("health check succeeded", zap.String("status", report.Status))
	return report, nil
}

// Predict posts the image as multipart/form-data to {backend}/predict.
func (c *HTTPClient) Predict(ctx context.Context, upload Upload) (*PredictionResult, error) {
	const operation = "predictor.predict"

	body, contentType, err := encodeUpload(upload)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.predictClient.Do(req)
	if err != nil {
		return nil, logging.NewOperationError(operation, "", wrapTransport(err))
	}
	defer resp.Body.Close()

	c.logger.Info("prediction response received",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(started)),
		zap.String("filename", upload.Filename),
	)

	if !isSuccess(resp.StatusCode) {
		return nil, logging.NewOperationError(operation, "", decodeHTTPError(resp))
	}

	var result PredictionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, logging.NewOperationError(operation, "", err)
	}
	return &result, nil
}

func encodeUpload(upload Upload) (*bytes.Buffer, string, error) {
	if upload.Body == nil {
		return nil, "", errors.New("upload has no body")
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	filename := upload.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := io.Copy(part, upload.Body); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}

// decodeHTTPError extracts the string "detail" field of a JSON error body.
func decodeHTTPError(resp *http.Response) *HTTPError {
	httpErr := &HTTPError{StatusCode: resp.StatusCode}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&payload); err != nil {
		return httpErr
	}
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		httpErr.Detail = detail
	}
	return httpErr
}

func wrapTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{Err: err}
	}
	return err
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

package handlers

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lung-check/internal/predictor"
	"github.com/example/lung-check/internal/session"
	"github.com/example/lung-check/internal/usecase"
)

// MaxUploadSize is the default cap on a single uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of the file.
const multipartOverhead = 64 << 10

// InvalidFormMessage is shown when the upload form cannot be parsed.
const InvalidFormMessage = "The upload could not be read. Please choose the file again."

// SessionCookie carries the browser session id.
const SessionCookie = "session_id"

//go:embed templates/*.html
var templateFS embed.FS

// Options configures the routes.
type Options struct {
	BackendURL     string
	MaxUploadBytes int64
	SessionTTL     time.Duration
	// UploadLimiter runs before the upload handler when set.
	UploadLimiter gin.HandlerFunc
	Logger        *zap.Logger
}

type portal struct {
	uc        *usecase.UploadClient
	opts      Options
	logger    *zap.Logger
	maxUpload int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.UploadClient, opts Options) {
	router.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))

	p := &portal{uc: uc, opts: opts, logger: opts.Logger, maxUpload: opts.MaxUploadBytes}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("handlers")
	if p.maxUpload <= 0 {
		p.maxUpload = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/", p.index)
	router.GET("/api/state", p.state)

	upload := []gin.HandlerFunc{p.upload}
	if opts.UploadLimiter != nil {
		upload = append([]gin.HandlerFunc{opts.UploadLimiter}, upload...)
	}
	router.POST("/upload", upload...)
}

func (p *portal) index(c *gin.Context) {
	state, ok := p.open(c, true)
	if !ok {
		return
	}
	p.render(c, http.StatusOK, state)
}

func (p *portal) state(c *gin.Context) {
	state, ok := p.open(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backend":    p.opts.BackendURL,
		"can_submit": state.CanSubmit(),
		"health":     state.Health,
		"upload":     state.Upload,
	})
}

func (p *portal) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, p.maxUpload+multipartOverhead)

	state, ok := p.open(c, false)
	if !ok {
		return
	}

	file, err := c.FormFile(predictor.FormField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// No file selected: nothing is sent and nothing changes.
		c.Redirect(http.StatusSeeOther, "/")
		return
	case isTooLarge(err):
		p.reject(c, http.StatusRequestEntityTooLarge, state, p.tooLargeMessage())
		return
	case err != nil:
		p.reject(c, http.StatusBadRequest, state, InvalidFormMessage)
		return
	}
	if file.Size > p.maxUpload {
		p.reject(c, http.StatusRequestEntityTooLarge, state, p.tooLargeMessage())
		return
	}

	upload, closeFn, err := openUpload(file)
	if err != nil {
		p.logger.Warn("rejected upload", zap.Error(err), zap.String("session_id", state.ID))
		p.reject(c, http.StatusBadRequest, state, InvalidFormMessage)
		return
	}
	defer closeFn()

	id := state.ID
	state, err = p.uc.Submit(c.Request.Context(), id, upload)
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, "/")
	case errors.Is(err, usecase.ErrSubmitDisabled), errors.Is(err, usecase.ErrSubmissionInFlight):
		p.render(c, http.StatusConflict, state)
	case errors.Is(err, usecase.ErrUnknownSession):
		c.Redirect(http.StatusSeeOther, "/")
	case c.Request.Context().Err() != nil:
		p.logger.Info("client went away during upload", zap.String("session_id", id))
		c.Abort()
	default:
		p.logger.Error("upload failed", zap.Error(err), zap.String("session_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process upload"})
	}
}

// open resolves the session from the cookie, creating one when needed. A
// mount runs the health check; other requests reuse the stored health.
func (p *portal) open(c *gin.Context, mount bool) (*session.State, bool) {
	id, _ := c.Cookie(SessionCookie)
	var (
		state *session.State
		err   error
	)
	if mount {
		state, err = p.uc.Open(c.Request.Context(), id)
	} else {
		state, err = p.uc.Session(c.Request.Context(), id)
	}
	if err != nil {
		p.logger.Error("failed to open session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return nil, false
	}
	if state.ID != id {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(SessionCookie, state.ID, int(p.opts.SessionTTL.Seconds()), "/", "", false, true)
	}
	return state, true
}

func (p *portal) render(c *gin.Context, status int, state *session.State) {
	c.HTML(status, "index.html", newPageView(p.opts.BackendURL, state))
}

// reject renders the page with message in the error paragraph. The upload
// never started, so the session itself is left as it was.
func (p *portal) reject(c *gin.Context, status int, state *session.State, message string) {
	view := newPageView(p.opts.BackendURL, state)
	view.Error = message
	view.Result = nil
	c.HTML(status, "index.html", view)
}

func (p *portal) tooLargeMessage() string {
	return fmt.Sprintf("Image is too large. The limit is %d MB.", p.maxUpload>>20)
}

// openUpload prepares the selected file for the backend. Any type is
// forwarded; the backend decides what it accepts. Untyped files are sniffed.
func openUpload(file *multipart.FileHeader) (*predictor.Upload, func(), error) {
	src, err := file.Open()
	if err != nil {
		return nil, nil, errors.New("unable to open uploaded file")
	}

	contentType := strings.TrimSpace(file.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		detected, err := mimetype.DetectReader(src)
		if err != nil {
			src.Close()
			return nil, nil, errors.New("unable to read uploaded file")
		}
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			src.Close()
			return nil, nil, errors.New("unable to read uploaded file")
		}
		contentType = detected.String()
	}

	upload := &predictor.Upload{Filename: file.Filename, ContentType: contentType, Body: src}
	return upload, func() { src.Close() }, nil
}

func isTooLarge(err error) bool {
	if err == nil {
		return false
	}
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

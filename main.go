package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/lung-check/internal/config"
	"github.com/example/lung-check/internal/handlers"
	"github.com/example/lung-check/internal/logging"
	"github.com/example/lung-check/internal/predictor"
	"github.com/example/lung-check/internal/session"
	"github.com/example/lung-check/internal/usecase"
)

func main() {
	dotEnvErr := config.LoadDotEnv()
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if dotEnvErr != nil {
		logger.Warn("failed to load .env file", zap.Error(dotEnvErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := initSessionStore(ctx, cfg, logger)

	backend := predictor.NewHTTPClient(cfg.BackendURL, logger,
		predictor.WithTimeouts(cfg.HealthTimeout, cfg.PredictTimeout),
	)
	uc := usecase.NewUploadClient(store, backend, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.RegisterRoutes(r, uc, handlers.Options{
		BackendURL:     cfg.BackendURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SessionTTL:     cfg.SessionTTL,
		UploadLimiter:  handlers.UploadRateLimit(cfg.UploadRatePerSec, 1),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("upload portal listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("backend", cfg.BackendURL),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initSessionStore(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) session.Store {
	if cfg.RedisAddr == "" {
		zapLogger.Info("using in-memory session store", zap.Duration("ttl", cfg.SessionTTL))
		return session.NewMemoryStore(cfg.SessionTTL)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.RedisAddr))
	}
	zapLogger.Info("using redis session store", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.SessionTTL))
	return session.NewRedisStore(client, cfg.SessionTTL)
}

// serveHTTPServer runs server until it fails or SIGINT/SIGTERM arrives, then
// drains in-flight uploads for at most shutdownTimeout.
func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	return serve(server, nil, shutdownTimeout, logger, signals)
}

// serve listens on listener, or on server.Addr when listener is nil.
func serve(server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signals <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var sig os.Signal
	select {
	case err := <-errCh:
		return err
	case s, ok := <-signals:
		if !ok {
			return <-errCh
		}
		sig = s
	}

	logger.Info("received shutdown signal, draining uploads",
		zap.String("signal", sig.String()),
		zap.Duration("timeout", shutdownTimeout),
	)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}

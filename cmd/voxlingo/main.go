package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxlingo/voxlingo/pkg/ai"
	"github.com/voxlingo/voxlingo/pkg/blob"
	"github.com/voxlingo/voxlingo/pkg/gateway/config"
	gatewayserver "github.com/voxlingo/voxlingo/pkg/gateway/server"
	"github.com/voxlingo/voxlingo/pkg/speech"
	"github.com/voxlingo/voxlingo/pkg/store"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	dial         func(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		dial:       dialBackends,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// dialBackends connects the database, the Gemini API, and the audio bucket.
// The returned cleanup releases the database pool.
func dialBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return gatewayserver.Dependencies{}, nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return gatewayserver.Dependencies{}, nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	generator, err := ai.New(ctx, cfg.GeminiAPIKey, ai.Options{
		Model:    cfg.GenerationModel,
		Attempts: cfg.GenerationAttempts,
		Delay:    cfg.GenerationRetryDelay,
		Logger:   logger,
	})
	if err != nil {
		st.Close()
		return gatewayserver.Dependencies{}, nil, fmt.Errorf("dial gemini: %w", err)
	}

	synth, err := speech.New(ctx, cfg.GeminiAPIKey, speech.Options{
		Model:  cfg.TTSModel,
		Voice:  cfg.TTSVoice,
		Logger: logger,
	})
	if err != nil {
		st.Close()
		return gatewayserver.Dependencies{}, nil, fmt.Errorf("dial tts: %w", err)
	}

	bucket, err := blob.Connect(ctx, blob.Options{
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicURL,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return gatewayserver.Dependencies{}, nil, fmt.Errorf("connect bucket: %w", err)
	}

	deps := gatewayserver.Dependencies{
		Store:     st,
		Generator: generator,
		Speech:    synth,
		Blob:      bucket,
	}
	return deps, st.Close, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.dial == nil {
		return errors.New("missing dial dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backends, cleanup, err := deps.dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	gw := gatewayserver.New(cfg, logger, backends)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Hijacked websocket connections are not covered by http.Server.Shutdown,
	// so drain the live sessions first.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	gw.Drain(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "voxlingo: load .env: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxlingo: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}

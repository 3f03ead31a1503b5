// Command voice-agent runs the voice conversation gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Rapheal7/My-Agent/pkg/gateway/archive"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	gatewayserver "github.com/Rapheal7/My-Agent/pkg/gateway/server"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/sessions"
)

type agentDeps struct {
	loadConfig     func(path string) (config.Config, error)
	newResumeStore func(ctx context.Context, cfg config.Config) (sessions.Store, error)
	openArchive    func(ctx context.Context, opts archive.Options) (*archive.Archive, error)
	newGateway     func(cfg config.Config, logger *slog.Logger, opts gatewayserver.Options) *gatewayserver.Server
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
}

func defaultAgentDeps() agentDeps {
	return agentDeps{
		loadConfig:     config.Load,
		newResumeStore: newResumeStore,
		openArchive:    archive.Open,
		newGateway:     gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newResumeStore picks Redis when configured, otherwise the in-memory
// store. A configured Redis that cannot be reached fails startup rather
// than silently degrading resume to a single process.
func newResumeStore(ctx context.Context, cfg config.Config) (sessions.Store, error) {
	if cfg.Resume.RedisAddr == "" {
		return sessions.NewMemoryStore(nil), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Resume.RedisAddr,
		Password: cfg.Resume.RedisPassword,
		DB:       cfg.Resume.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Resume.RedisAddr, err)
	}
	return sessions.NewRedisStore(client, ""), nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
}

func runAgent(ctx context.Context, stderr io.Writer, configPath string, deps agentDeps) error {
	if deps.loadConfig == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.newResumeStore == nil || deps.openArchive == nil {
		return errors.New("missing storage dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	resume, err := deps.newResumeStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resume store: %w", err)
	}
	arch, err := deps.openArchive(ctx, archive.Options{
		DSN:       cfg.Archive.DSN,
		QueueSize: cfg.Archive.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	gw := deps.newGateway(cfg, logger, gatewayserver.Options{
		Resume:  resume,
		Archive: arch,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"resume_redis", cfg.Resume.RedisAddr != "",
		"archive", cfg.Archive.DSN != "",
	)

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

	// Stop admitting, warn connected clients, then give live sessions the
	// grace period to finish before cutting them off.
	gw.BeginDrain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	if !gw.WaitSessions(shutdownCtx) {
		n := gw.CloseSessions("server_shutdown")
		logger.Info("force-closed sessions at shutdown", "count", n)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice gateway stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps agentDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	flags := flag.NewFlagSet("voice-agent", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to the YAML config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before config")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "voice-agent: load %s: %v\n", *envFile, err)
		return 1
	}

	if err := runAgent(ctx, stderr, *configPath, deps); err != nil {
		fmt.Fprintf(stderr, "voice-agent: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultAgentDeps()))
}

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuedev/cued/internal/api"
	"github.com/cuedev/cued/internal/config"
	"github.com/cuedev/cued/internal/engine"
	"github.com/cuedev/cued/internal/eventbus"
	"github.com/cuedev/cued/internal/runner"
	"github.com/cuedev/cued/internal/state"
)

const version = "0.3.0"

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	var store *state.Store
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		logger.Warn("state db unavailable, running without persistence", "error", err)
	} else {
		store = state.NewStore(db)
	}

	bus := eventbus.New(store, logger)
	exec := &runner.ExecRunner{
		Binary:    cfg.AgentCommand,
		Args:      cfg.AgentArgs,
		KillDelay: cfg.KillDelay,
	}
	eng := engine.New(exec, store, bus, logger)

	for _, sess := range discoverSessions(cfg.SessionsRoot, logger) {
		eng.RegisterSession(sess)
	}
	eng.Start()
	defer eng.Stop()

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	apiServer := &api.Server{
		Engine:    eng,
		Bus:       bus,
		StartedAt: time.Now(),
		Version:   version,
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("cued listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

// discoverSessions registers each immediate subdirectory of the sessions
// root as a session, its directory name doubling as id and display name.
// Without a configured root the working directory becomes a single
// session named after itself.
func discoverSessions(root string, logger *slog.Logger) []engine.Session {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Warn("resolve working directory", "error", err)
			return nil
		}
		name := filepath.Base(wd)
		return []engine.Session{{ID: name, Name: name, Root: wd}}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("read sessions root", "root", root, "error", err)
		return nil
	}
	var out []engine.Session
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "" || entry.Name()[0] == '.' {
			continue
		}
		out = append(out, engine.Session{
			ID:   entry.Name(),
			Name: entry.Name(),
			Root: filepath.Join(root, entry.Name()),
		})
	}
	return out
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

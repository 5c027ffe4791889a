// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"

	"github.com/starford/lightic/internal/api"
	"github.com/starford/lightic/internal/emulator"
	"github.com/starford/lightic/internal/journal"
	"github.com/starford/lightic/internal/mcpserver"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/sse"
	"github.com/starford/lightic/internal/storage"
	"github.com/starford/lightic/internal/watcher"
)

// runtime is the emulator with its workspace and journal, shared by the
// HTTP and MCP front ends.
type runtime struct {
	logger  *slog.Logger
	emu     *emulator.Emulator
	files   storage.Provider
	journal *journal.DB
	closers []io.Closer
}

// newLogger builds the process logger: JSON to out, fanned out to a JSON log
// file when one is configured.
func newLogger(cfg *Config, out io.Writer) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: cfg.App.LogLevel}
	console := slog.NewJSONHandler(out, opts)
	if cfg.App.LogFile == "" {
		return slog.New(console), nil, nil
	}
	f, err := os.OpenFile(cfg.App.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slogmulti.Fanout(console, slog.NewJSONHandler(f, opts))), f, nil
}

func newRuntime(ctx context.Context, app *application) (*runtime, error) {
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	out := app.logOutput
	if out == nil {
		out = os.Stdout
	}
	logger, logFile, err := newLogger(cfg, out)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	rt := &runtime{logger: logger}
	if logFile != nil {
		rt.closers = append(rt.closers, logFile)
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("workspace", cfg.Workspace.Root),
		slog.String("journal", cfg.Journal.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure workspace directory exists.
	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if rt.files, err = storage.NewFS(cfg.Workspace.Root); err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("init storage: %w", err)
	}

	rt.emu, err = emulator.New(emulator.Options{
		Replica: cfg.Replica.Options(logger),
		Files:   rt.files,
		Logger:  logger,
	})
	if err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("init emulator: %w", err)
	}

	if cfg.Journal.Enabled() {
		if rt.journal, err = journal.Open(cfg.Journal.Path); err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("init journal: %w", err)
		}
		rt.emu.Subscribe(rt.journal.Observer(logger))
	}

	if err := rt.deployStartup(ctx, cfg.Canisters); err != nil {
		rt.close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) deployStartup(ctx context.Context, canisters []CanisterConfig) error {
	for _, cc := range canisters {
		opts := emulator.DeployOptions{Name: cc.Name, Wasm: cc.Wasm, CandidPath: cc.Candid}
		if cc.ID != "" {
			id, err := principal.Decode(cc.ID)
			if err != nil {
				return fmt.Errorf("canister %s: %w", cc.Wasm, err)
			}
			opts.ID = &id
		}
		if cc.InitArgHex != "" {
			arg, err := hex.DecodeString(cc.InitArgHex)
			if err != nil {
				return fmt.Errorf("canister %s: %w", cc.Wasm, err)
			}
			opts.Arg = arg
		}
		if _, err := rt.emu.Deploy(ctx, opts); err != nil {
			return fmt.Errorf("deploy %s: %w", cc.Wasm, err)
		}
	}
	return nil
}

func (rt *runtime) journalOrNil() journal.Journal {
	if rt.journal == nil {
		return nil
	}
	return rt.journal
}

func (rt *runtime) close(ctx context.Context) {
	if rt.emu != nil {
		if err := rt.emu.Close(ctx); err != nil {
			rt.logger.Warn("emulator close failed", slog.String("error", err.Error()))
		}
	}
	if rt.journal != nil {
		rt.journal.Close()
	}
	for _, c := range rt.closers {
		_ = c.Close()
	}
}

// Run starts the HTTP API with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	rt, err := newRuntime(ctx, app)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	cfg := app.config
	logger := rt.logger

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	rt.emu.Subscribe(broker.Observer())

	// Build API service and router.
	svc := api.NewService(rt.emu, rt.journalOrNil())
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, rt.files)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Upgrade canisters whose module changes on disk.
	if cfg.Workspace.Watch {
		g.Go(func() error {
			err := watcher.Watch(gCtx, rt.emu, cfg.Workspace.Root, watcher.DefaultDebounce, logger,
				func(path string, upgraded []principal.Principal) {
					broker.Publish(sse.Event{Type: "module.redeployed", Data: map[string]any{
						"path":      path,
						"canisters": upgraded,
					}})
				})
			if err != nil {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdin/stdout until the client disconnects.
// Logs go to stderr.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(app)
	}

	rt, err := newRuntime(ctx, app)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	rt.logger.Info("MCP server starting", slog.String("workspace", app.config.Workspace.Root))
	return mcpserver.New(rt.emu, rt.files, rt.journalOrNil()).ServeStdio()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reclassroom/reclass/internal/analysis"
	"github.com/reclassroom/reclass/internal/api"
	"github.com/reclassroom/reclass/internal/audit"
	"github.com/reclassroom/reclass/internal/completion"
	"github.com/reclassroom/reclass/internal/config"
	"github.com/reclassroom/reclass/internal/dialogue"
	"github.com/reclassroom/reclass/internal/identity"
	"github.com/reclassroom/reclass/internal/live"
	"github.com/reclassroom/reclass/internal/middleware"
	"github.com/reclassroom/reclass/internal/routing"
	"github.com/reclassroom/reclass/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.envFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting server",
		zap.String("port", cfg.Port),
		zap.Bool("dev", cfg.IsDevelopment()),
		zap.String("store", cfg.Store.Driver),
		zap.String("llm_provider", cfg.LLM.Provider))

	repo, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	logger.Info("store connected")

	gw, closeGateway, err := completion.New(cfg.LLM, cfg.LLM.Model, logger)
	if err != nil {
		return fmt.Errorf("build completion gateway: %w", err)
	}
	defer func() { _ = closeGateway() }()
	gw = completion.WithLogging(gw, cfg.LLM.Provider, logger)

	var reasoner routing.Reasoner
	if cfg.Dialogue.RouterUseLLM {
		routerGW := gw
		if model := cfg.RouterModelName(); model != cfg.LLM.Model {
			g, closeRouter, err := completion.New(cfg.LLM, model, logger)
			if err != nil {
				return fmt.Errorf("build router gateway: %w", err)
			}
			defer func() { _ = closeRouter() }()
			routerGW = completion.WithLogging(g, cfg.LLM.Provider+"-router", logger)
		}
		reasoner = &routing.LLMReasoner{Gateway: routerGW, Timeout: cfg.LLM.Timeout}
		logger.Info("model-backed routing enabled", zap.String("model", cfg.RouterModelName()))
	}
	router := routing.New(routing.Options{
		ContextWindow:   cfg.Dialogue.ContextWindow,
		StarvationTurns: cfg.Dialogue.StarvationTurns,
		Reasoner:        reasoner,
		Logger:          logger.Named("router"),
	})

	transcripts, err := audit.NewTranscriptLogger(cfg.Transcript, logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("init transcript log: %w", err)
	}
	defer func() { _ = transcripts.Close() }()

	hub := live.NewHub(live.Options{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger.Named("live"),
	})
	defer hub.Close()

	observers := []dialogue.Observer{hub}
	if transcripts != nil {
		observers = append(observers, transcripts)
	}
	orch := dialogue.New(dialogue.Options{
		Store:             repo,
		Gateway:           gw,
		Router:            router,
		Analyzer:          &analysis.Analyzer{Gateway: gw, Timeout: cfg.LLM.Timeout},
		ContextWindow:     cfg.Dialogue.ContextWindow,
		CompletionTimeout: cfg.LLM.Timeout,
		Observers:         observers,
		Logger:            logger.Named("dialogue"),
	})

	origins := []string{"*"}
	if cfg.FrontendURL != "" && !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))
	r.Use(middleware.RequestLogger(logger.Named("http")))
	api.NewHandler(orch, repo, hub, logger.Named("api")).RegisterRoutes(r)

	// No WriteTimeout: websocket streams are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Websocket handlers return once the hub closes.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

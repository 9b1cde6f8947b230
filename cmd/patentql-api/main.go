package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patentql/patentql/internal/api"
	"github.com/patentql/patentql/internal/auth"
	"github.com/patentql/patentql/internal/config"
	"github.com/patentql/patentql/internal/dbservice"
	"github.com/patentql/patentql/internal/model"
	"github.com/patentql/patentql/internal/observability"
	"github.com/patentql/patentql/internal/session"
)

func main() {
	cfg, err := config.LoadFromEnv("patentql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	dbClient, err := dbservice.New(dbservice.Config{
		BaseURL:      cfg.DBService.BaseURL,
		ProbeTimeout: cfg.DBService.ProbeTimeout,
		ExecTimeout:  cfg.DBService.ExecTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize database service client", slog.Any("error", err))
		os.Exit(1)
	}

	var invoker model.Invoker
	if cfg.AI.CredentialsValid() {
		bedrock, err := model.NewBedrockInvoker(context.Background(), model.BedrockConfig{
			Region:          cfg.AI.Region,
			AccessKeyID:     cfg.AI.AccessKeyID,
			SecretAccessKey: cfg.AI.SecretAccessKey,
			Timeout:         cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize model invoker", slog.Any("error", err))
			os.Exit(1)
		}
		invoker = bedrock
	} else {
		logger.Warn("model credentials not configured; rule translation only")
	}

	core := session.New(cfg, session.Dependencies{
		Client:  dbClient,
		Invoker: invoker,
		Logger:  logger,
	})

	deps := api.Dependencies{
		Logger:            logger,
		Core:              core,
		Readiness:         dbClient.Health,
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		summary := core.RefreshSchemas(ctx)
		logger.Info("schema warmup finished",
			slog.Any("refreshed", summary.Refreshed),
			slog.Any("failed", summary.Failed),
		)
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

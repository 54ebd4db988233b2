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

	"github.com/joho/godotenv"

	"github.com/sqlbridge/sqlbridge/internal/api"
	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/dbconn"
	"github.com/sqlbridge/sqlbridge/internal/executor"
	"github.com/sqlbridge/sqlbridge/internal/nlsql"
	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/schema"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// Local development keeps settings in a .env file; deployments set real
	// environment variables and have no file to load.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("sqlbridge-api")
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := dbconn.NewManager(logger)
	defer func() {
		if err := manager.CloseAll(); err != nil {
			logger.Warn("closing connections", slog.Any("error", err))
		}
	}()

	introspector := schema.NewIntrospector(manager, logger)
	manager.SetInvalidateHook(introspector.Invalidate)

	var generator nlsql.Generator
	if cfg.Gemini.APIKey != "" {
		generator, err = nlsql.NewGeminiGenerator(nlsql.GeminiConfig{
			BaseURL:     cfg.Gemini.BaseURL,
			APIKey:      cfg.Gemini.APIKey,
			Model:       cfg.Gemini.Model,
			Temperature: cfg.Gemini.Temperature,
			Timeout:     cfg.Gemini.Timeout,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("GEMINI_API_KEY is not set; query generation is disabled")
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:         logger,
		Manager:        manager,
		Schemas:        introspector,
		Generator:      generator,
		Executor:       executor.New(logger),
		DefaultProfile: defaultProfileFromConfig(cfg),
		MaxRows:        cfg.Query.MaxRowsReturn,
		QueryTimeout:   cfg.Query.Timeout,
		ExplainRows:    cfg.Query.ExplainRows,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// defaultProfileFromConfig builds the built-in target profile. When DB_SERVER
// is unset the service still runs; requests must then carry their own
// connection block.
func defaultProfileFromConfig(cfg config.Config) dbconn.ConnectionProfile {
	return dbconn.ConnectionProfile{
		Dialect:        dbconn.DialectMySQL,
		Host:           cfg.Database.Server,
		Port:           cfg.Database.Port,
		Database:       cfg.Database.DefaultSchema,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		TLSCAPath:      cfg.Database.CACertPath,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}
}

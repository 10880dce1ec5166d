package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/coze"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/middleware"
	"server/internal/promptcache"
	"server/internal/storage"
	"server/internal/workflow"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	geodb, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable, language defaults skip country hints")
	}
	var lookup middleware.CountryLookup
	if geodb != nil {
		defer geodb.Close()
		lookup = geodb.CountryCode
	}

	var spool *storage.Spool
	if cfg.SpoolPath != "" {
		spool, err = storage.NewSpool(cfg.SpoolPath)
		if err != nil {
			logger.Warn().Err(err).Msg("upload spool unavailable")
		}
	}

	upstream, err := coze.NewClient(coze.Options{
		BaseURL:      cfg.CozeBaseURL,
		Token:        cfg.CozeToken,
		WorkflowID:   cfg.CozeWorkflowID,
		SpaceID:      cfg.CozeSpaceID,
		Logger:       &logger,
		UploadRetry:  cfg.UploadRetry,
		ResolveRetry: cfg.ResolveRetry,
		RunRetry:     cfg.RunRetry,
		RunRetryAlt:  cfg.RunRetryAlt,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build upstream client")
	}

	orch := workflow.New(workflow.Options{
		Client:         upstream,
		Cache:          promptcache.New(cfg.CacheTTL),
		Logger:         &logger,
		Spool:          spool,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	app := handlers.NewApp(cfg, logger, orch, upstream)
	router := httpapi.NewRouter(app, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

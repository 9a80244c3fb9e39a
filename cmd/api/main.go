package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imageforge/internal/adapter/repo"
	"imageforge/internal/comfy"
	"imageforge/internal/generation"
	"imageforge/internal/http/handlers"
	httpapi "imageforge/internal/http/httpapi"
	"imageforge/internal/infra"
	"imageforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init image store")
	}

	engine := comfy.NewClient(comfy.Options{
		BaseURL: cfg.EngineURL,
		Logger:  &logger,
	})
	progress := comfy.NewProgressRegistry(engine.WebSocketURL(), &logger)
	defer progress.CloseAll()

	service := generation.NewService(generation.Options{
		Generations: repo.NewGenerationRepository(dbpool),
		Images:      repo.NewImageRepository(dbpool),
		History:     repo.NewHistoryRepository(dbpool),
		Engine:      engine,
		Store:       store,
		Tracker:     generation.NewTracker(),
		Logger:      &logger,
	})

	app := &handlers.App{
		Service:  service,
		Progress: progress,
		Store:    store,
		Logger:   &logger,
	}
	router := httpapi.NewRouter(httpapi.Options{
		App:            app,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		StaticImageDir: cfg.StoragePath,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

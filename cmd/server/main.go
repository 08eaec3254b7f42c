package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hefeijay/japan-aquaculture-project/internal/config"
	"github.com/hefeijay/japan-aquaculture-project/internal/expert"
	"github.com/hefeijay/japan-aquaculture-project/internal/history"
	"github.com/hefeijay/japan-aquaculture-project/internal/llm"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	"github.com/hefeijay/japan-aquaculture-project/internal/pipeline"
	"github.com/hefeijay/japan-aquaculture-project/internal/search"
	"github.com/hefeijay/japan-aquaculture-project/internal/server"
	"github.com/hefeijay/japan-aquaculture-project/internal/session"
	"github.com/hefeijay/japan-aquaculture-project/internal/storage/mysql"
	"github.com/hefeijay/japan-aquaculture-project/internal/weather"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting aquaculture gateway",
		slog.String("instance_id", logger.GetInstanceID()),
		slog.String("port", cfg.Port))

	// Storage: MySQL when configured, in-memory otherwise (local dev).
	var histStore history.Store
	var sessStore session.Store
	if cfg.MySQLPassword != "" || cfg.MySQLHost != "localhost" {
		db, err := mysql.InitDatabase(cfg.MySQLDSN())
		if err != nil {
			log.Error("failed to initialize database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer db.Close()
		histStore = history.NewMySQLStore(db.DB, log)
		sessStore = session.NewMySQLStore(db.DB, log)
	} else {
		log.Warn("no MySQL configuration found, using in-memory stores")
		histStore = history.NewMemoryStore()
		sessStore = session.NewMemoryStore()
	}

	llmClient := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey,
		time.Duration(cfg.LLMTimeout)*time.Second, log)

	expertClient := expert.NewClient(cfg.ExpertAPIBaseURL, cfg.ExpertAPIKey,
		cfg.ExpertTimeout(), cfg.EnableExpertConsultation, log)

	weatherService := weather.NewService(llmClient, cfg.OpenWeatherAPIKey,
		cfg.OpenWeatherBaseURL, cfg.WeatherDefaultLocation, cfg.LLMModel,
		cfg.EnableWeatherService, log)

	searchService := search.NewService(cfg.SerperAPIKey, cfg.SerperBaseURL,
		cfg.WebSearchNumResults, cfg.SearchTimeout(), cfg.EnableWebSearch, log)

	prompts := pipeline.ResolvePrompts(cfg.Prompts)
	orch := pipeline.New(llmClient, expertClient, weatherService, searchService, histStore,
		prompts,
		pipeline.Options{
			HistoryWindow:  cfg.HistoryWindow,
			StorageTimeout: cfg.StorageOpTimeout(),
			StreamPolicy:   cfg.ExpertStreamPolicy,
			DeviceExpert:   cfg.EnableDeviceExpert,
			Model:          cfg.LLMModel,
			Temperature:    float32(cfg.LLMTemperature),
		}, log)

	sessions := session.NewManager(sessStore, histStore, cfg.LLMModel, prompts.System, log)
	gateway := server.New(sessions, histStore, orch, cfg, log)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: gateway.Router(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()
	log.Info("gateway listening", slog.String("addr", srv.Addr))

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("gateway exited")
}

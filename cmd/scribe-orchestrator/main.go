// Scribe Orchestrator — ведёт проекты по конвейеру.
//
// Orchestrator:
//   - Создаёт топики и подписки конвейера
//   - Выполняет этапы по сообщениям из брокера
//   - Переводит в FAILED проекты с исчерпанными попытками
//   - Периодически восстанавливает зависшие проекты
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Scribe/internal/api"
	"github.com/shaiso/Scribe/internal/config"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		telemetry.SetupLogger("", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting scribe-orchestrator",
		"store", cfg.Store.Driver,
		"broker", cfg.Broker.Driver,
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := repo.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("store opened")

	broker, err := config.OpenBroker(cfg.Broker, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()
	logger.Info("broker connected")

	registry, err := stages.NewRegistryFromConfig(cfg.Executors)
	if err != nil {
		logger.Error("failed to build executors", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:         store,
		Broker:        broker,
		Registry:      registry,
		Topology:      cfg.Topology(),
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Recovery:      cfg.OrchestratorRecovery(),
		Logger:        logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP: /healthz + /metrics, с broker=memory ещё и API
	var router chi.Router
	if cfg.HTTP.EmbedAPI {
		handler := api.NewHandler(api.Config{
			Store: store,
			Launcher: orchestrator.NewLauncher(orchestrator.LauncherConfig{
				Store:  store,
				Broker: broker,
				Logger: logger,
			}),
			Logger: logger,
		})
		router = handler.Router()
	} else {
		router = chi.NewRouter()
		router.Get("/healthz", api.Healthz)
		router.Handle("/metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:              cfg.HTTP.OrchestratorAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr, "embed_api", cfg.HTTP.EmbedAPI)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("scribe-orchestrator stopped")
}

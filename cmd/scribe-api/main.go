// Scribe API — HTTP API для создания, просмотра и отмены проектов.
//
// API пишет только в ProjectStore и в стартовый топик. Этапы выполняет
// scribe-orchestrator.
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

	"github.com/shaiso/Scribe/internal/api"
	"github.com/shaiso/Scribe/internal/config"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
	"github.com/shaiso/Scribe/internal/workflow"
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
	logger.Info("starting scribe-api")

	if cfg.Broker.Driver == config.BrokerMemory {
		logger.Warn("broker=memory does not reach the orchestrator process, use http.embed_api instead")
	}

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

	// Топология нужна до первой публикации; оркестратор создаёт ту же.
	// Ошибку не считаем фатальной: Launch вернёт ErrStartDeferred,
	// а проект подберёт sweeper.
	topology := workflow.Topology(cfg.Topology())
	if err := mq.SetupTopology(ctx, broker, topology, mq.SetupOptions{Logger: logger}); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}

	handler := api.NewHandler(api.Config{
		Store: store,
		Launcher: orchestrator.NewLauncher(orchestrator.LauncherConfig{
			Store:  store,
			Broker: broker,
			Logger: logger,
		}),
		Logger: logger,
	})

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              cfg.HTTP.APIAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

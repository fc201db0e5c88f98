package api

import (
	"log/slog"

	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store    repo.ProjectStore
	launcher *orchestrator.Launcher
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store    repo.ProjectStore
	Launcher *orchestrator.Launcher
	Logger   *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    cfg.Store,
		launcher: cfg.Launcher,
		logger:   logger,
	}
}

package stages

import (
	"fmt"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/workflow"
)

// ProjectInputKey — ключ payload, под которым executor получает исходные
// параметры проекта (topic, tone, target_word_count, primary_keyword).
const ProjectInputKey = "project_input"

// Типы executor'ов в конфигурации.
const (
	KindHTTP = "http"
	KindEcho = "echo"
)

// ExecutorConfig — конфигурация executor'а одного этапа.
type ExecutorConfig struct {
	// Kind — http или echo. Default: echo.
	Kind string `mapstructure:"kind"`

	// URL, Headers, Timeout — для http.
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`

	// Cost, Delay — для echo.
	Cost  float64       `mapstructure:"cost"`
	Delay time.Duration `mapstructure:"delay"`
}

// NewExecutor создаёт executor по конфигурации.
func NewExecutor(stage domain.Status, cfg ExecutorConfig) (Executor, error) {
	switch cfg.Kind {
	case KindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: %s: http executor requires url", ErrInvalidRegistration, stage)
		}
		return &HTTPExecutor{
			Stage:   stage,
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout,
		}, nil
	case KindEcho, "":
		return &EchoExecutor{Stage: stage, Cost: cfg.Cost, Delay: cfg.Delay}, nil
	default:
		return nil, fmt.Errorf("%w: %s: unknown executor kind %q", ErrInvalidRegistration, stage, cfg.Kind)
	}
}

// NewRegistryFromConfig регистрирует executor для каждого этапа конвейера
// и замораживает реестр. Этапы без конфигурации получают EchoExecutor.
//
// Ключи cfg — имена этапов в любом регистре (research, GENERATING, ...).
func NewRegistryFromConfig(cfg map[string]ExecutorConfig) (*Registry, error) {
	byStage := make(map[domain.Status]ExecutorConfig, len(cfg))
	for key, val := range cfg {
		stage := domain.ParseStatus(key)
		if !stage.IsStage() {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRegistration, key)
		}
		byStage[stage] = val
	}

	r := NewRegistry()
	for _, step := range workflow.Pipeline() {
		executor, err := NewExecutor(step.Stage, byStage[step.Stage])
		if err != nil {
			return nil, err
		}
		if err := r.Register(step.Stage, executor, step.Next); err != nil {
			return nil, err
		}
	}
	r.Freeze()

	return r, nil
}

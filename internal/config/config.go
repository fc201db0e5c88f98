// Package config загружает конфигурацию сервисов Scribe.
//
// Источники по возрастанию приоритета:
//   - значения по умолчанию
//   - YAML файл (--config или SCRIBE_CONFIG)
//   - переменные окружения с префиксом SCRIBE_ (SCRIBE_BROKER_URL,
//     SCRIBE_STORE_DSN, SCRIBE_PIPELINE_MAX_DELIVERY_ATTEMPTS, ...)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/workflow"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "SCRIBE"

// EnvConfigFile — переменная с путём к YAML файлу.
const EnvConfigFile = "SCRIBE_CONFIG"

// Драйверы брокера.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerMemory   = "memory"
)

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Config — конфигурация всех сервисов.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Store    repo.Config    `mapstructure:"store"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	HTTP     HTTPConfig     `mapstructure:"http"`

	// Executors — executor каждого этапа, ключ — имя этапа
	// (research, generating, editing, seo_optimization).
	Executors map[string]stages.ExecutorConfig `mapstructure:"executors"`
}

// LogConfig — параметры логирования.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BrokerConfig — подключение к брокеру.
type BrokerConfig struct {
	// Driver — rabbitmq или memory. memory работает только внутри
	// одного процесса.
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// PipelineConfig — параметры доставки сообщений конвейера.
type PipelineConfig struct {
	AckDeadline         time.Duration `mapstructure:"ack_deadline"`
	MinBackoff          time.Duration `mapstructure:"min_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts"`
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
}

// RecoveryConfig — параметры recovery sweeper.
type RecoveryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// HTTPConfig — адреса HTTP серверов.
type HTTPConfig struct {
	// OrchestratorAddr — /healthz и /metrics оркестратора.
	OrchestratorAddr string `mapstructure:"orchestrator_addr"`

	// APIAddr — HTTP API.
	APIAddr string `mapstructure:"api_addr"`

	// EmbedAPI — оркестратор сам обслуживает HTTP API на
	// OrchestratorAddr. Нужно для брокера memory.
	EmbedAPI bool `mapstructure:"embed_api"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", repo.DriverPostgres)
	v.SetDefault("store.dsn", repo.DefaultPostgresDSN)
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("broker.driver", BrokerRabbitMQ)
	v.SetDefault("broker.url", mq.DefaultURL())

	v.SetDefault("pipeline.ack_deadline", 600*time.Second)
	v.SetDefault("pipeline.min_backoff", 10*time.Second)
	v.SetDefault("pipeline.max_backoff", 600*time.Second)
	v.SetDefault("pipeline.max_delivery_attempts", 5)
	v.SetDefault("pipeline.max_concurrent", 10)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.schedule", "@every 1m")
	v.SetDefault("recovery.stale_after", 30*time.Minute)
	v.SetDefault("recovery.batch_size", 100)

	v.SetDefault("http.orchestrator_addr", ":8083")
	v.SetDefault("http.api_addr", ":8080")
	v.SetDefault("http.embed_api", false)
}

// Load читает конфигурацию. Пустой path — файл из SCRIBE_CONFIG, если
// переменная задана; без файла используются умолчания и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case repo.DriverPostgres, repo.DriverSQLite, repo.DriverMemory:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	switch c.Broker.Driver {
	case BrokerRabbitMQ:
		if c.Broker.URL == "" {
			return fmt.Errorf("%w: broker.url is required for rabbitmq", ErrInvalidConfig)
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("%w: unknown broker driver %q", ErrInvalidConfig, c.Broker.Driver)
	}

	p := c.Pipeline
	if p.AckDeadline <= 0 {
		return fmt.Errorf("%w: pipeline.ack_deadline must be positive", ErrInvalidConfig)
	}
	if p.MinBackoff <= 0 || p.MaxBackoff < p.MinBackoff {
		return fmt.Errorf("%w: pipeline backoff must satisfy 0 < min_backoff <= max_backoff", ErrInvalidConfig)
	}
	if p.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("%w: pipeline.max_delivery_attempts must be at least 1", ErrInvalidConfig)
	}
	if p.MaxConcurrent < 1 {
		return fmt.Errorf("%w: pipeline.max_concurrent must be at least 1", ErrInvalidConfig)
	}

	if c.Recovery.Enabled {
		if _, err := cron.ParseStandard(c.Recovery.Schedule); err != nil {
			return fmt.Errorf("%w: recovery.schedule %q: %v", ErrInvalidConfig, c.Recovery.Schedule, err)
		}
		// Проект в обработке не должен считаться зависшим.
		if c.Recovery.StaleAfter <= p.AckDeadline {
			return fmt.Errorf("%w: recovery.stale_after must exceed pipeline.ack_deadline", ErrInvalidConfig)
		}
	}

	for key, executor := range c.Executors {
		if stage := domain.ParseStatus(key); !stage.IsStage() {
			return fmt.Errorf("%w: executors: unknown stage %q", ErrInvalidConfig, key)
		}
		if executor.Kind == stages.KindHTTP && executor.URL == "" {
			return fmt.Errorf("%w: executors.%s: url is required for http", ErrInvalidConfig, key)
		}
	}

	return nil
}

// Topology — параметры подписок для workflow.Topology.
func (c *Config) Topology() workflow.TopologyConfig {
	return workflow.TopologyConfig{
		AckDeadline:         c.Pipeline.AckDeadline,
		MinBackoff:          c.Pipeline.MinBackoff,
		MaxBackoff:          c.Pipeline.MaxBackoff,
		MaxDeliveryAttempts: c.Pipeline.MaxDeliveryAttempts,
	}
}

// OrchestratorRecovery — параметры sweeper'а для orchestrator.Config.
func (c *Config) OrchestratorRecovery() orchestrator.RecoveryConfig {
	return orchestrator.RecoveryConfig{
		Disabled:   !c.Recovery.Enabled,
		Schedule:   c.Recovery.Schedule,
		StaleAfter: c.Recovery.StaleAfter,
		BatchSize:  c.Recovery.BatchSize,
	}
}

// OpenBroker подключается к брокеру по конфигурации.
func OpenBroker(cfg BrokerConfig, logger *slog.Logger) (mq.Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case BrokerRabbitMQ:
		broker, err := mq.DialRabbit(cfg.URL, logger)
		if err != nil {
			return nil, err
		}
		return broker, nil
	case BrokerMemory:
		return mq.NewMemoryBroker(mq.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: unknown broker driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/deadletter"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/workflow"
)

// Default configuration values.
const (
	defaultMaxConcurrent    = 10
	defaultAckDeadline      = 600 * time.Second
	defaultMinBackoff       = 10 * time.Second
	defaultMaxBackoff       = 600 * time.Second
	defaultMaxAttempts      = 5
	defaultRecoverySchedule = "@every 1m"
	defaultStaleAfter       = 30 * time.Minute
	defaultRecoveryBatch    = 100
)

// recoveryParser — cron-выражения из пяти полей и дескрипторы (@every 1m).
var recoveryParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RecoveryConfig — параметры recovery sweeper.
type RecoveryConfig struct {
	// Disabled выключает sweeper.
	Disabled bool

	// Schedule — расписание (default: @every 1m).
	Schedule string

	// StaleAfter — проект без обновлений дольше этого считается зависшим
	// (default: 30m). Должно быть больше ack deadline.
	StaleAfter time.Duration

	// BatchSize — проектов за один проход (default: 100).
	BatchSize int
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store    repo.ProjectStore
	Broker   mq.Broker
	Registry *stages.Registry

	// Topology — параметры подписок конвейера.
	Topology workflow.TopologyConfig

	// Setup — повторы создания топологии при старте.
	Setup mq.SetupOptions

	// MaxConcurrent — сообщений в обработке на подписку (default: 10).
	MaxConcurrent int

	Recovery RecoveryConfig

	Logger *slog.Logger
	Clock  clock.PassiveClock
}

// Orchestrator ведёт проекты по конвейеру.
//
// Каждый этап — подписка на входной топик с общим обработчиком
// handleStage. Порядок этапов и топики задаёт workflow.Pipeline,
// executor'ы — stages.Registry. Состояние проекта живёт только в
// ProjectStore, поэтому процессов-оркестраторов может быть несколько.
type Orchestrator struct {
	store    repo.ProjectStore
	broker   mq.Broker
	registry *stages.Registry

	deadLetters *deadletter.Manager
	failer      *failer

	topology      mq.Topology
	subs          map[string]mq.SubscriptionConfig
	setup         mq.SetupOptions
	maxConcurrent int
	recovery      RecoveryConfig

	logger *slog.Logger
	clock  clock.PassiveClock

	// Lifecycle
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	cron       *cron.Cron
	wg         sync.WaitGroup
	running    bool
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	topology := workflow.Topology(topologyDefaults(cfg.Topology))
	subs := make(map[string]mq.SubscriptionConfig, len(topology.Subscriptions))
	for _, sub := range topology.Subscriptions {
		subs[sub.Name] = sub
	}

	return &Orchestrator{
		store:    cfg.Store,
		broker:   cfg.Broker,
		registry: cfg.Registry,
		deadLetters: deadletter.New(deadletter.Config{
			Broker: cfg.Broker,
			Logger: logger,
			Clock:  clk,
		}),
		failer: &failer{
			store:  cfg.Store,
			broker: cfg.Broker,
			clock:  clk,
			logger: logger,
		},
		topology:      topology,
		subs:          subs,
		setup:         cfg.Setup,
		maxConcurrent: maxConcurrent,
		recovery:      recoveryDefaults(cfg.Recovery),
		logger:        logger,
		clock:         clk,
	}
}

func topologyDefaults(cfg workflow.TopologyConfig) workflow.TopologyConfig {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = defaultAckDeadline
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = defaultMaxAttempts
	}
	return cfg
}

func recoveryDefaults(cfg RecoveryConfig) RecoveryConfig {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultRecoverySchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRecoveryBatch
	}
	return cfg
}

// Topology возвращает топики и подписки, которые создаёт Start.
func (o *Orchestrator) Topology() mq.Topology {
	return o.topology
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Создание топиков и подписок (с повторами, пока брокер недоступен)
//   - Подписку каждого этапа конвейера
//   - Observers завершения и ошибок, приёмник dead-letter
//   - Recovery sweeper по расписанию
//
// Возвращается сразу после запуска; обработка идёт до Stop или отмены ctx.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyStarted
	}

	if missing := o.registry.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingExecutor, missing)
	}

	setup := o.setup
	if setup.Logger == nil {
		setup.Logger = o.logger
	}
	if err := mq.SetupTopology(ctx, o.broker, o.topology, setup); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	var sweeper *cron.Cron
	if !o.recovery.Disabled {
		sweeper = cron.New(
			cron.WithParser(recoveryParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		if _, err := sweeper.AddFunc(o.recovery.Schedule, func() { o.sweep(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("invalid recovery schedule %q: %w", o.recovery.Schedule, err)
		}
	}

	o.logger.Info("starting orchestrator",
		"max_concurrent", o.maxConcurrent,
		"recovery_schedule", o.recovery.Schedule,
		"recovery_disabled", o.recovery.Disabled,
	)

	for _, step := range workflow.Pipeline() {
		o.subscribe(ctx, o.subs[step.Subscription], o.handleStage(step), o.onExhausted(step))
	}
	o.subscribe(ctx, o.subs[workflow.SubscriptionCompleted], o.handleCompleted, nil)
	o.subscribe(ctx, o.subs[workflow.SubscriptionTaskFailed], o.handleTaskFailed, nil)
	o.subscribe(ctx, o.subs[workflow.SubscriptionDLQ], o.handleDeadLetter, nil)

	if sweeper != nil {
		sweeper.Start()
	}

	o.cancelFunc = cancel
	o.cron = sweeper
	o.running = true

	o.logger.Info("orchestrator started", "subscriptions", len(o.subs))
	return nil
}

// subscribe запускает горутину доставки для одной подписки.
func (o *Orchestrator) subscribe(ctx context.Context, sub mq.SubscriptionConfig, handler mq.Handler, onExhausted deadletter.OnExhausted) {
	wrapped := o.deadLetters.Wrap(sub, handler, onExhausted)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		err := o.broker.Subscribe(ctx, sub.Name, wrapped, o.maxConcurrent)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, mq.ErrBrokerClosed) {
			o.logger.Error("subscription stopped", "subscription", sub.Name, "error", err)
		}
	}()
}

// Stop останавливает Orchestrator и ждёт завершения обработчиков.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancelFunc
	sweeper := o.cron
	o.cancelFunc = nil
	o.cron = nil
	o.running = false
	o.mu.Unlock()

	if cancel == nil {
		return
	}

	o.logger.Info("stopping orchestrator...")

	cancel()
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// Running возвращает true между Start и Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

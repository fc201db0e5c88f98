package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
	"github.com/shaiso/Scribe/internal/workflow"
)

// CancelReason — запись в журнале ошибок при отмене без указания причины.
const CancelReason = "cancelled by operator"

// LauncherConfig — зависимости Launcher.
type LauncherConfig struct {
	Store  repo.ProjectStore
	Broker mq.Broker
	Logger *slog.Logger
	Clock  clock.PassiveClock
}

// Launcher создаёт и отменяет проекты.
type Launcher struct {
	store  repo.ProjectStore
	broker mq.Broker
	clock  clock.PassiveClock
	logger *slog.Logger
	failer *failer
}

// NewLauncher создаёт Launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Launcher{
		store:  cfg.Store,
		broker: cfg.Broker,
		clock:  clk,
		logger: logger,
		failer: &failer{store: cfg.Store, broker: cfg.Broker, clock: clk, logger: logger},
	}
}

// ValidateInput проверяет параметры нового проекта.
//
// topic обязателен; target_word_count, если задан, — положительное число;
// tone и primary_keyword, если заданы, — строки.
func ValidateInput(input map[string]any) error {
	topic, _ := input["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidInput)
	}

	if v, ok := input["target_word_count"]; ok {
		n, isNum := toFloat(v)
		if !isNum || n <= 0 {
			return fmt.Errorf("%w: target_word_count must be a positive number", ErrInvalidInput)
		}
	}

	for _, key := range []string{"tone", "primary_keyword"} {
		if v, ok := input[key]; ok {
			if _, isStr := v.(string); !isStr {
				return fmt.Errorf("%w: %s must be a string", ErrInvalidInput, key)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Launch создаёт проект и публикует стартовое сообщение первому этапу.
//
// Если проект создан, а сообщение не опубликовано, возвращается проект
// и ошибка ErrStartDeferred: проект останется в CREATED и будет подхвачен
// recovery sweeper'ом.
func (l *Launcher) Launch(ctx context.Context, input map[string]any) (*domain.Project, error) {
	if err := ValidateInput(input); err != nil {
		return nil, err
	}

	p, err := l.store.CreateProject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	logger := telemetry.WithCorrelationID(telemetry.WithProjectID(l.logger, p.ID.String()), p.CorrelationID)

	if err := publishStart(ctx, l.broker, p, l.clock); err != nil {
		logger.Error("failed to publish start message", "error", err)
		return p, fmt.Errorf("%w: %v", ErrStartDeferred, err)
	}

	logger.Info("project launched", "topic", p.Input["topic"])
	return p, nil
}

// publishStart публикует сообщение первому этапу с входом проекта.
func publishStart(ctx context.Context, broker mq.Broker, p *domain.Project, clk clock.PassiveClock) error {
	first := workflow.FirstStage()

	msg := mq.NewWorkflowMessage(p.ID.String(), string(first.Stage), p.CorrelationID, p.Input, clk.Now())
	out, err := msg.Encode(first.InputTopic, workflow.MessageID(p.ID.String(), first.Stage))
	if err != nil {
		return err
	}

	_, err = broker.Publish(ctx, first.InputTopic, out)
	return err
}

// Cancel отменяет проект: записывает причину, переводит в FAILED
// и публикует уведомление в task-failed.
//
// Уже запущенный этап доработает, но его продолжение не будет
// опубликовано.
func (l *Launcher) Cancel(ctx context.Context, id uuid.UUID, reason string) (*domain.Project, error) {
	if reason == "" {
		reason = CancelReason
	}

	p, err := l.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsFinished() {
		return p, fmt.Errorf("%w: %s", ErrProjectFinished, p.Status)
	}

	changed, err := l.failer.fail(ctx, p, currentStage(p), reason)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Проект завершился между чтением и записью.
		p, err = l.store.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		return p, fmt.Errorf("%w: %s", ErrProjectFinished, p.Status)
	}

	l.logger.Info("project cancelled", "project_id", id, "reason", reason)
	return l.store.GetProject(ctx, id)
}

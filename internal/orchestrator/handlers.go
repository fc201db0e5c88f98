package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/shaiso/Scribe/internal/deadletter"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/telemetry"
	"github.com/shaiso/Scribe/internal/workflow"
)

// handleStage возвращает обработчик подписки этапа step.
//
// Порядок:
//  1. Разбор сообщения и поиск executor'а
//  2. Загрузка проекта и проверки статуса
//  3. Вызов executor'а
//  4. Фиксация: стоимость, результат, статус
//  5. Публикация сообщения следующему этапу
//
// Ошибки хранилища и брокера — временные: сообщение будет доставлено
// повторно, а повторная фиксация безопасна.
func (o *Orchestrator) handleStage(step workflow.Step) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) error {
		msg, err := mq.DecodeWorkflowMessage(d.Data)
		if err != nil {
			return stages.Permanent(err)
		}

		stage := domain.ParseStatus(msg.Stage)
		if stage != step.Stage {
			return stages.Permanentf("%w: got %s on %s", ErrStageMismatch, msg.Stage, step.Subscription)
		}

		reg, err := o.registry.Resolve(stage)
		if err != nil {
			return stages.Permanent(err)
		}

		projectID, err := uuid.Parse(msg.ProjectID)
		if err != nil {
			return stages.Permanentf("%w: invalid project id %q", mq.ErrInvalidMessage, msg.ProjectID)
		}

		logger := telemetry.WithCorrelationID(
			telemetry.WithProjectID(o.logger, msg.ProjectID), msg.CorrelationID,
		).With("stage", stage, "message_id", d.ID, "attempt", d.Attempt)

		p, err := o.store.GetProject(ctx, projectID)
		if errors.Is(err, repo.ErrNotFound) {
			return stages.Permanentf("%w: %s", ErrProjectNotFound, projectID)
		}
		if err != nil {
			return stages.Transient(fmt.Errorf("get project: %w", err))
		}

		// Отменённый или упавший проект дальше не идёт.
		switch p.Status {
		case domain.StatusFailed:
			logger.Info("project is failed, message dropped")
			return stages.Permanent(ErrProjectFailed)
		case domain.StatusCompleted:
			logger.Debug("project already completed, duplicate acknowledged")
			return nil
		}

		effective := p.EffectiveStatus()
		switch {
		case effective == stage:
			// Результат зафиксирован, но продолжение могло не уйти.
			logger.Info("stage already committed, republishing continuation", "status", p.Status)
			return o.advance(ctx, logger, p.ID, p.CorrelationID, reg, p.StageResults[stage])

		case p.HasCompleted(stage):
			logger.Debug("stage already passed, duplicate acknowledged", "status", effective)
			return nil
		}

		prev, err := stage.Prev()
		if err != nil {
			return stages.Permanent(err)
		}
		if effective.Rank() < prev.Rank() {
			return stages.Transient(fmt.Errorf("%w: %s needs %s, project is %s", ErrStageOutOfOrder, stage, prev, effective))
		}

		payload := maps.Clone(msg.Payload)
		payload[stages.ProjectInputKey] = p.Input

		logger.Debug("executing stage")

		start := o.clock.Now()
		result, err := reg.Executor.Execute(telemetry.WithLogger(ctx, logger), p.ID.String(), payload)
		telemetry.StageDuration.WithLabelValues(string(stage)).Observe(o.clock.Since(start).Seconds())

		if err != nil {
			if !stages.IsPermanent(err) {
				logger.Warn("stage failed, will retry", "error", err)
				return err
			}

			logger.Error("stage failed permanently", "error", err)
			if _, ferr := o.failer.fail(ctx, p, stage, err.Error()); ferr != nil {
				return stages.Transient(fmt.Errorf("record failure: %w", ferr))
			}
			return err
		}

		if err := o.commit(ctx, p.ID, stage, d.ID, result); err != nil {
			return stages.Transient(err)
		}
		logger.Info("stage completed", "cost", result.Cost)

		return o.advance(ctx, logger, p.ID, p.CorrelationID, reg, result.Output)
	}
}

// commit сохраняет стоимость и результат этапа.
//
// Стоимость дедуплицируется по ID сообщения: повторная доставка того же
// сообщения после успешной фиксации стоимость не удваивает.
func (o *Orchestrator) commit(ctx context.Context, projectID uuid.UUID, stage domain.Status, messageID string, result stages.Result) error {
	applied, err := o.store.AppendCost(ctx, projectID, stage, result.Cost, messageID)
	if err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	if applied {
		telemetry.StageCost.WithLabelValues(string(stage)).Add(result.Cost)
	}

	if err := o.store.SaveStageResult(ctx, projectID, stage, result.Output); err != nil {
		return fmt.Errorf("save stage result: %w", err)
	}
	return nil
}

// advance продвигает статус до reg.Stage (и COMPLETED после последнего
// этапа) и публикует сообщение в reg.CompletionTopic.
//
// ID сообщения детерминирован, поэтому повторный вызов порождает
// дубликат того же сообщения, а не новое.
func (o *Orchestrator) advance(ctx context.Context, logger *slog.Logger, projectID uuid.UUID, correlationID string, reg stages.Registration, output map[string]any) error {
	proceed, err := o.moveTo(ctx, logger, projectID, reg.Stage)
	if err != nil || !proceed {
		return err
	}
	if reg.Next == domain.StatusCompleted {
		if proceed, err = o.moveTo(ctx, logger, projectID, domain.StatusCompleted); err != nil || !proceed {
			return err
		}
	}

	msg := mq.NewWorkflowMessage(projectID.String(), string(reg.Next), correlationID, output, o.clock.Now())
	out, err := msg.Encode(reg.CompletionTopic, workflow.MessageID(projectID.String(), reg.Next))
	if err != nil {
		return stages.Permanent(err)
	}

	if _, err := o.broker.Publish(ctx, reg.CompletionTopic, out); err != nil {
		return stages.Transient(fmt.Errorf("publish %s: %w", reg.CompletionTopic, err))
	}

	logger.Debug("continuation published", "topic", reg.CompletionTopic, "next", reg.Next)
	return nil
}

// moveTo записывает статус. proceed=false — проект отменён, продолжать
// не нужно.
func (o *Orchestrator) moveTo(ctx context.Context, logger *slog.Logger, projectID uuid.UUID, status domain.Status) (bool, error) {
	changed, err := o.store.UpdateStatus(ctx, projectID, status)
	if err != nil {
		return false, stages.Transient(fmt.Errorf("update status to %s: %w", status, err))
	}
	if changed {
		telemetry.StatusTransitions.WithLabelValues(string(status)).Inc()
		logger.Debug("status updated", "status", status)
		return true, nil
	}

	// Статус не сдвинулся: он уже не ниже либо проект отменили.
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return false, stages.Transient(fmt.Errorf("get project: %w", err))
	}
	if p.Status == domain.StatusFailed {
		logger.Info("project was cancelled, continuation dropped")
		return false, nil
	}
	return true, nil
}

// onExhausted переводит проект в FAILED после исчерпания попыток доставки.
func (o *Orchestrator) onExhausted(step workflow.Step) deadletter.OnExhausted {
	return func(ctx context.Context, d *mq.Delivery, cause error) error {
		msg, err := mq.DecodeWorkflowMessage(d.Data)
		if err != nil {
			return nil
		}
		projectID, err := uuid.Parse(msg.ProjectID)
		if err != nil {
			return nil
		}

		p, err := o.store.GetProject(ctx, projectID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get project: %w", err)
		}
		if p.IsFinished() {
			return nil
		}

		reason := fmt.Sprintf("%v after %d attempts: %v", deadletter.ErrAttemptsExhausted, d.Attempt, cause)
		_, err = o.failer.fail(ctx, p, step.Stage, reason)
		return err
	}
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Scribe/internal/deadletter"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/telemetry"
	"github.com/shaiso/Scribe/internal/workflow"
)

// handleCompleted — observer уведомлений о завершении проекта.
func (o *Orchestrator) handleCompleted(ctx context.Context, d *mq.Delivery) error {
	msg, err := mq.DecodeWorkflowMessage(d.Data)
	if err != nil {
		return stages.Permanent(err)
	}

	logger := telemetry.WithCorrelationID(telemetry.WithProjectID(o.logger, msg.ProjectID), msg.CorrelationID)

	// Итоговая стоимость — для лога; проект мог быть удалён вручную.
	if id, err := uuid.Parse(msg.ProjectID); err == nil {
		if p, err := o.store.GetProject(ctx, id); err == nil {
			logger = logger.With("total_cost", p.TotalCost())
		}
	}

	logger.Info("project completed")
	return nil
}

// handleTaskFailed — observer уведомлений о переводе проекта в FAILED.
//
// Уведомление публикуется до записи статуса, поэтому проект, который
// успел завершиться, может получить его без перехода в FAILED.
func (o *Orchestrator) handleTaskFailed(ctx context.Context, d *mq.Delivery) error {
	msg, err := mq.DecodeWorkflowMessage(d.Data)
	if err != nil {
		return stages.Permanent(err)
	}

	logger := telemetry.WithCorrelationID(telemetry.WithProjectID(o.logger, msg.ProjectID), msg.CorrelationID)

	if id, err := uuid.Parse(msg.ProjectID); err == nil {
		if p, err := o.store.GetProject(ctx, id); err == nil {
			if p.Status != domain.StatusFailed {
				logger.Info("failure notice for project that is not failed", "status", p.Status)
				return nil
			}
			if last := p.LastError(); last != nil {
				logger = logger.With("recorded_at", last.Timestamp)
			}
		}
	}

	notice, err := mq.ParsePayload[workflow.FailureNotice](msg)
	if err != nil {
		logger.Error("malformed failure notice dropped", "error", err)
		return stages.Permanent(err)
	}

	logger.Warn("project failure reported",
		"failed_stage", notice.FailedStage,
		"error", notice.Error,
	)
	return nil
}

// handleDeadLetter — приёмник dead-letter топика: сохраняет записи.
//
// ID записи детерминирован, повторная доставка не создаёт дубликат.
func (o *Orchestrator) handleDeadLetter(ctx context.Context, d *mq.Delivery) error {
	record, err := deadletter.DecodeRecord(d.Data)
	if err != nil {
		o.logger.Error("undecodable dead letter dropped", "message_id", d.ID, "error", err)
		return stages.Permanent(err)
	}

	if err := o.store.SaveDeadLetter(ctx, record); err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}

	o.logger.Warn("dead letter stored",
		"record_id", record.ID,
		"subscription", record.Subscription,
		"project_id", record.ProjectID,
		"stage", record.Stage,
		"attempts", record.Attempts,
		"reason", record.Reason,
	)
	return nil
}

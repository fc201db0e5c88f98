package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/telemetry"
	"github.com/shaiso/Scribe/internal/workflow"
)

// failer переводит проекты в FAILED.
type failer struct {
	store  repo.ProjectStore
	broker mq.Broker
	clock  clock.PassiveClock
	logger *slog.Logger
}

// fail публикует уведомление в task-failed и переводит проект в FAILED
// вместе с записью ошибки.
//
// Уведомление уходит первым: если публикация не удалась, проект остаётся
// нетерминальным, и повторная доставка (или повторный Cancel) снова
// придёт сюда. ID уведомления детерминирован, повтор даёт дубликат того
// же сообщения. changed=false — проект уже был терминальным.
func (f *failer) fail(ctx context.Context, p *domain.Project, stage domain.Status, reason string) (bool, error) {
	logger := telemetry.WithProjectID(f.logger, p.ID.String())

	if p.IsFinished() {
		return false, nil
	}

	msg := mq.NewWorkflowMessage(
		p.ID.String(),
		string(domain.StatusFailed),
		p.CorrelationID,
		workflow.FailurePayload(stage, reason),
		f.clock.Now(),
	)
	out, err := msg.Encode(workflow.TopicTaskFailed, workflow.FailureMessageID(p.ID.String()))
	if err != nil {
		return false, fmt.Errorf("encode failure notice: %w", err)
	}
	if _, err := f.broker.Publish(ctx, workflow.TopicTaskFailed, out); err != nil {
		return false, fmt.Errorf("publish failure notice: %w", err)
	}

	changed, err := f.store.FailProject(ctx, p.ID, stage, reason)
	if err != nil {
		return false, fmt.Errorf("fail project: %w", err)
	}
	if !changed {
		// Проект завершился после чтения; observer увидит, что он не FAILED.
		logger.Info("project finished before failure was recorded", "stage", stage)
		return false, nil
	}
	telemetry.StatusTransitions.WithLabelValues(string(domain.StatusFailed)).Inc()

	logger.Warn("project failed", "stage", stage, "reason", reason)
	return true, nil
}

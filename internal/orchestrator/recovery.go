package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// sweep — задача cron.
func (o *Orchestrator) sweep(ctx context.Context) {
	n, err := o.RecoverStale(ctx)
	if err != nil {
		o.logger.Error("recovery sweep failed", "error", err)
		return
	}
	if n > 0 {
		o.logger.Info("recovery sweep republished continuations", "count", n)
	}
}

// RecoverStale переопубликовывает продолжения зависших проектов.
//
// 1. Находит нетерминальные проекты без обновлений дольше StaleAfter
// 2. Восстанавливает эффективный статус по сохранённым результатам
// 3. Публикует сообщение следующему этапу с тем же детерминированным ID
//
// Проект без результатов получает стартовое сообщение заново. Ошибки
// одного проекта не блокируют обработку остальных.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	before := o.clock.Now().Add(-o.recovery.StaleAfter)

	projects, err := o.store.ListStale(ctx, before, o.recovery.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale projects: %w", err)
	}
	if len(projects) == 0 {
		return 0, nil
	}

	o.logger.Debug("found stale projects", "count", len(projects))

	var recovered int
	for i := range projects {
		p := &projects[i]
		if err := o.recover(ctx, p); err != nil {
			o.logger.Error("failed to recover project",
				"project_id", p.ID,
				"status", p.Status,
				"error", err,
			)
			continue
		}
		recovered++
		telemetry.ProjectsRecovered.Inc()
	}

	return recovered, nil
}

func (o *Orchestrator) recover(ctx context.Context, p *domain.Project) error {
	logger := telemetry.WithCorrelationID(telemetry.WithProjectID(o.logger, p.ID.String()), p.CorrelationID)

	effective := p.EffectiveStatus()
	if effective == domain.StatusCreated {
		logger.Info("republishing start message")
		return publishStart(ctx, o.broker, p, o.clock)
	}

	reg, err := o.registry.Resolve(effective)
	if err != nil {
		return err
	}

	logger.Info("republishing continuation", "status", p.Status, "effective_status", effective)
	return o.advance(ctx, logger.With("stage", effective), p.ID, p.CorrelationID, reg, p.StageResults[effective])
}

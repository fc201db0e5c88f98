// Package deadletter ограничивает число попыток доставки и уводит
// необрабатываемые сообщения в dead-letter топик.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/telemetry"
)

// ErrAttemptsExhausted — причина, передаваемая в OnExhausted.
var ErrAttemptsExhausted = errors.New("delivery attempts exhausted")

// OnExhausted вызывается после того, как запись о сообщении ушла в
// dead-letter топик из-за исчерпания попыток. cause — последняя ошибка
// обработчика. Ошибка OnExhausted возвращает сообщение на повторную
// доставку.
type OnExhausted func(ctx context.Context, d *mq.Delivery, cause error) error

// Config — зависимости Manager.
type Config struct {
	Broker mq.Broker
	Logger *slog.Logger
	Clock  clock.PassiveClock
}

// Manager оборачивает обработчики подписок.
type Manager struct {
	broker mq.Broker
	logger *slog.Logger
	clock  clock.PassiveClock
}

// New создаёт Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Manager{broker: cfg.Broker, logger: logger, clock: c}
}

// Wrap возвращает обработчик для подписки sub.
//
// Решение по результату handler:
//   - nil — ack
//   - ошибка и Attempt >= MaxDeliveryAttempts — запись в dead-letter,
//     onExhausted, ack
//   - Permanent — запись в dead-letter, ack
//   - иначе — nack, повторная доставка с backoff
//
// Если запись в dead-letter не опубликована, сообщение тоже уходит на
// повторную доставку. Для подписки без dead-letter политики Permanent
// подтверждается без записи.
func (m *Manager) Wrap(sub mq.SubscriptionConfig, handler mq.Handler, onExhausted OnExhausted) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) error {
		err := handler(ctx, d)
		if err == nil {
			telemetry.MessagesHandled.WithLabelValues(sub.Name, telemetry.OutcomeAck).Inc()
			return nil
		}

		policy := sub.DeadLetter
		logger := m.logger.With(
			"subscription", sub.Name,
			"message_id", d.ID,
			"attempt", d.Attempt,
		)

		switch {
		case policy != nil && d.Attempt >= policy.MaxDeliveryAttempts:
			if pubErr := m.forward(ctx, sub, d, err); pubErr != nil {
				logger.Error("failed to publish dead letter", "error", pubErr)
				return pubErr
			}
			logger.Warn("delivery attempts exhausted", "error", err)
			telemetry.DeadLetters.WithLabelValues(sub.Name, "exhausted").Inc()

			if onExhausted != nil {
				if exErr := onExhausted(ctx, d, err); exErr != nil {
					logger.Error("exhaustion handler failed", "error", exErr)
					return exErr
				}
			}
			telemetry.MessagesHandled.WithLabelValues(sub.Name, telemetry.OutcomeDeadLetter).Inc()
			return nil

		case stages.IsPermanent(err):
			if policy != nil {
				if pubErr := m.forward(ctx, sub, d, err); pubErr != nil {
					logger.Error("failed to publish dead letter", "error", pubErr)
					return pubErr
				}
				telemetry.DeadLetters.WithLabelValues(sub.Name, "permanent").Inc()
			}
			logger.Warn("permanent failure, message acknowledged", "error", err)
			telemetry.MessagesHandled.WithLabelValues(sub.Name, telemetry.OutcomePermanent).Inc()
			return nil

		default:
			logger.Info("transient failure, message will be redelivered", "error", err)
			telemetry.MessagesHandled.WithLabelValues(sub.Name, telemetry.OutcomeRetry).Inc()
			return err
		}
	}
}

// forward публикует запись о сообщении в dead-letter топик.
func (m *Manager) forward(ctx context.Context, sub mq.SubscriptionConfig, d *mq.Delivery, cause error) error {
	record := m.Record(sub, d, cause)

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	_, err = m.broker.Publish(ctx, sub.DeadLetter.Topic, &mq.OutgoingMessage{
		ID:   record.ID.String(),
		Data: body,
		Attributes: map[string]string{
			mq.AttrMessageType: sub.DeadLetter.Topic,
			mq.AttrProjectID:   record.ProjectID,
		},
	})
	if err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	return nil
}

// Record строит снимок доставленного сообщения.
func (m *Manager) Record(sub mq.SubscriptionConfig, d *mq.Delivery, cause error) *domain.DeadLetterRecord {
	record := &domain.DeadLetterRecord{
		ID:                domain.DeadLetterID(sub.Name, d.ID),
		OriginalMessageID: d.ID,
		Subscription:      sub.Name,
		Topic:             d.Topic,
		ProjectID:         d.Attribute(mq.AttrProjectID),
		Data:              string(d.Data),
		Attributes:        d.Attributes,
		Attempts:          d.Attempt,
		FailedAt:          m.clock.Now().UTC(),
	}
	if cause != nil {
		record.Reason = cause.Error()
	}
	if record.Topic == "" {
		record.Topic = sub.Topic
	}

	// Тело может быть битым, тогда project_id и stage остаются из атрибутов.
	if msg, err := mq.DecodeWorkflowMessage(d.Data); err == nil {
		record.ProjectID = msg.ProjectID
		record.Stage = msg.Stage
	}

	return record
}

// DecodeRecord разбирает сообщение из dead-letter топика.
func DecodeRecord(data []byte) (*domain.DeadLetterRecord, error) {
	var record domain.DeadLetterRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", mq.ErrInvalidMessage, err)
	}
	if record.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: dead letter id is required", mq.ErrInvalidMessage)
	}
	return &record, nil
}

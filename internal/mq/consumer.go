package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscribe потребляет очередь подписки, пока не отменён ctx.
//
// На каждую подписку открывается свой канал с Qos(maxConcurrent);
// handler выполняется в пуле из maxConcurrent горутин. При разрыве
// соединения цикл ждёт переподключения и продолжает.
func (b *RabbitBroker) Subscribe(ctx context.Context, subscription string, handler Handler, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	cfg, err := b.subscriptionConfig(subscription)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.conn.Done():
			return ErrBrokerClosed
		default:
		}

		// Подписываемся на уведомление до открытия канала, чтобы
		// не пропустить переподключение между ними.
		reconnected := b.conn.ReconnectNotify()

		ch, deliveries, err := b.setupConsume(cfg.Name, maxConcurrent)
		if err != nil {
			b.logger.Error("failed to setup consume", "subscription", cfg.Name, "error", err)
			if err := b.waitReconnect(ctx, reconnected); err != nil {
				return err
			}
			continue
		}

		b.logger.Info("consumer started", "subscription", cfg.Name, "concurrency", maxConcurrent)

		err = b.processDeliveries(ctx, cfg, deliveries, handler, maxConcurrent, &wg)
		ch.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logger.Warn("deliveries channel closed, reconnecting", "subscription", cfg.Name, "error", err)
		if err := b.waitReconnect(ctx, reconnected); err != nil {
			return err
		}
	}
}

func (b *RabbitBroker) waitReconnect(ctx context.Context, reconnected <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.conn.Done():
		return ErrBrokerClosed
	case <-reconnected:
		return nil
	}
}

// setupConsume открывает канал подписчика и начинает потребление.
func (b *RabbitBroker) setupConsume(queue string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := b.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag (auto-generated)
		false, // auto-ack (мы ack вручную)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

// processDeliveries раздаёт сообщения воркерам.
func (b *RabbitBroker) processDeliveries(
	ctx context.Context,
	cfg SubscriptionConfig,
	deliveries <-chan amqp.Delivery,
	handler Handler,
	maxConcurrent int,
	wg *sync.WaitGroup,
) error {
	slots := make(chan struct{}, maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				// Без ack сообщение вернётся в очередь при закрытии канала.
				return ctx.Err()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				b.handleDelivery(ctx, cfg, raw, handler)
			}()
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (b *RabbitBroker) handleDelivery(ctx context.Context, cfg SubscriptionConfig, raw amqp.Delivery, handler Handler) {
	topic := cfg.Topic
	if t, ok := raw.Headers[headerTopic].(string); ok && t != "" {
		topic = t
	}

	delivery := &Delivery{
		ID:           raw.MessageId,
		Subscription: cfg.Name,
		Topic:        topic,
		Data:         raw.Body,
		Attributes:   headerAttributes(raw.Headers),
		Attempt:      headerAttempt(raw.Headers),
		PublishedAt:  raw.Timestamp,
	}

	b.logger.Debug("received message",
		"subscription", cfg.Name,
		"message_id", delivery.ID,
		"attempt", delivery.Attempt,
	)

	handlerCtx, cancel := context.WithTimeout(ctx, cfg.AckDeadline)
	err := handler(handlerCtx, delivery)
	cancel()

	if err == nil {
		if ackErr := raw.Ack(false); ackErr != nil {
			b.logger.Warn("ack failed", "subscription", cfg.Name, "message_id", delivery.ID, "error", ackErr)
		}
		return
	}

	b.logger.Warn("handler failed",
		"subscription", cfg.Name,
		"message_id", delivery.ID,
		"attempt", delivery.Attempt,
		"error", err,
	)

	b.scheduleRetry(ctx, cfg, raw, delivery.Attempt)
}

// scheduleRetry откладывает повторную доставку.
//
// Копия сообщения с увеличенным номером попытки публикуется в retry
// очередь с TTL = backoff, затем оригинал подтверждается. Если
// публикация не удалась, оригинал возвращается в очередь через nack.
func (b *RabbitBroker) scheduleRetry(ctx context.Context, cfg SubscriptionConfig, raw amqp.Delivery, attempt int) {
	delay := Backoff(attempt, cfg.RetryPolicy)

	headers := amqp.Table{}
	for k, v := range raw.Headers {
		if k == "x-death" {
			continue
		}
		headers[k] = v
	}
	headers[headerDeliveryAttempt] = int32(attempt + 1)

	pub := amqp.Publishing{
		ContentType:  raw.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    raw.MessageId,
		Timestamp:    raw.Timestamp,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         raw.Body,
	}

	publishCtx := context.WithoutCancel(ctx)
	if err := b.publishConfirmed(publishCtx, "", retryQueue(cfg.Name), pub); err != nil {
		b.logger.Error("failed to schedule retry, requeueing",
			"subscription", cfg.Name,
			"message_id", raw.MessageId,
			"error", err,
		)
		_ = raw.Nack(false, true)
		return
	}

	if err := raw.Ack(false); err != nil {
		b.logger.Warn("ack after retry scheduling failed", "subscription", cfg.Name, "error", err)
	}

	b.logger.Debug("retry scheduled",
		"subscription", cfg.Name,
		"message_id", raw.MessageId,
		"next_attempt", attempt+1,
		"delay", delay,
	)
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Topology — набор топиков и подписок, которые нужно создать при старте.
type Topology struct {
	Topics        []string
	Subscriptions []SubscriptionConfig
}

// SetupOptions — параметры повторов при создании топологии.
type SetupOptions struct {
	// MaxAttempts — сколько раз пытаться (default: 10).
	MaxAttempts int

	// InitialDelay — задержка перед второй попыткой (default: 1s),
	// удваивается, не больше 30s.
	InitialDelay time.Duration

	Logger *slog.Logger
}

// Validate проверяет конфигурацию подписки.
func (c SubscriptionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSubscription)
	}
	if c.Topic == "" {
		return fmt.Errorf("%w: %s: topic is required", ErrInvalidSubscription, c.Name)
	}
	if c.AckDeadline < 0 {
		return fmt.Errorf("%w: %s: negative ack deadline", ErrInvalidSubscription, c.Name)
	}
	if c.RetryPolicy.MaxBackoff > 0 && c.RetryPolicy.MaxBackoff < c.RetryPolicy.MinBackoff {
		return fmt.Errorf("%w: %s: max backoff below min backoff", ErrInvalidSubscription, c.Name)
	}
	if c.DeadLetter != nil {
		if c.DeadLetter.Topic == "" {
			return fmt.Errorf("%w: %s: dead-letter topic is required", ErrInvalidSubscription, c.Name)
		}
		if c.DeadLetter.Topic == c.Topic {
			return fmt.Errorf("%w: %s: dead-letter topic equals source topic", ErrInvalidSubscription, c.Name)
		}
		if c.DeadLetter.MaxDeliveryAttempts < 1 {
			return fmt.Errorf("%w: %s: max delivery attempts must be positive", ErrInvalidSubscription, c.Name)
		}
	}
	return nil
}

// SetupTopology создаёт топики, затем подписки.
//
// Создание идемпотентно, поэтому вся последовательность повторяется
// целиком, пока брокер недоступен (ErrBrokerUnavailable). Ошибки
// конфигурации не повторяются.
func SetupTopology(ctx context.Context, broker Broker, topo Topology, opts SetupOptions) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	delay := opts.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, sub := range topo.Subscriptions {
		if err := sub.Validate(); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = setupOnce(ctx, broker, topo)
		if lastErr == nil {
			logger.Info("topology ready",
				"topics", len(topo.Topics),
				"subscriptions", len(topo.Subscriptions),
			)
			return nil
		}

		if !errors.Is(lastErr, ErrBrokerUnavailable) {
			return lastErr
		}

		logger.Warn("topology setup failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = min(delay*2, 30*time.Second)
	}

	return fmt.Errorf("setup topology after %d attempts: %w", maxAttempts, lastErr)
}

func setupOnce(ctx context.Context, broker Broker, topo Topology) error {
	// 1. Топики (dead-letter топики должны существовать до подписок)
	for _, name := range topo.Topics {
		if _, err := broker.CreateTopic(ctx, name); err != nil {
			return fmt.Errorf("create topic %s: %w", name, err)
		}
	}

	// 2. Подписки
	for _, sub := range topo.Subscriptions {
		if _, err := broker.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription %s: %w", sub.Name, err)
		}
	}

	return nil
}

// Describe возвращает описание топологии для логирования.
func (t Topology) Describe() string {
	var b strings.Builder
	b.WriteString("Topology:\n")
	for _, topic := range t.Topics {
		fmt.Fprintf(&b, "  %s\n", topic)
		for _, sub := range t.Subscriptions {
			if sub.Topic != topic {
				continue
			}
			fmt.Fprintf(&b, "    └── %s [ack %s, backoff %s..%s",
				sub.Name, sub.AckDeadline, sub.RetryPolicy.MinBackoff, sub.RetryPolicy.MaxBackoff)
			if sub.DeadLetter != nil {
				fmt.Fprintf(&b, ", dlq %s after %d", sub.DeadLetter.Topic, sub.DeadLetter.MaxDeliveryAttempts)
			}
			b.WriteString("]\n")
		}
	}
	return b.String()
}

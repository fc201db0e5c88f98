package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// MemoryBroker — Broker внутри процесса.
//
// Семантика совпадает с RabbitBroker: fan-out по подпискам, ограничение
// параллелизма, ack deadline, повторная доставка с backoff и счётчиком
// попыток. Сообщения не переживают рестарт процесса.
type MemoryBroker struct {
	clock  clock.WithDelayedExecution
	logger *slog.Logger

	mu        sync.Mutex
	topics    map[string][]string // топик -> подписки
	subs      map[string]*memSubscription
	published map[string][]OutgoingMessage
	timers    map[clock.Timer]struct{}
	closed    bool
	done      chan struct{}
}

type memSubscription struct {
	cfg      SubscriptionConfig
	queue    []*Delivery
	notify   chan struct{}
	inFlight int
	retrying int
}

// MemoryOption настраивает MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock подменяет часы (в тестах — clock_testing.FakeClock).
func WithClock(c clock.WithDelayedExecution) MemoryOption {
	return func(b *MemoryBroker) {
		b.clock = c
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		b.logger = logger
	}
}

// NewMemoryBroker создаёт пустой брокер.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		topics:    make(map[string][]string),
		subs:      make(map[string]*memSubscription),
		published: make(map[string][]OutgoingMessage),
		timers:    make(map[clock.Timer]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateTopic создаёт топик; повторный вызов возвращает тот же handle.
func (b *MemoryBroker) CreateTopic(ctx context.Context, name string) (Topic, error) {
	if name == "" {
		return Topic{}, errors.New("topic name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Topic{}, ErrBrokerClosed
	}
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = nil
	}

	return Topic{Name: name}, nil
}

// CreateSubscription создаёт подписку; повторный вызов с тем же именем
// возвращает существующую подписку.
func (b *MemoryBroker) CreateSubscription(ctx context.Context, cfg SubscriptionConfig) (Subscription, error) {
	if err := cfg.Validate(); err != nil {
		return Subscription{}, err
	}
	cfg = withDefaults(cfg)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Subscription{}, ErrBrokerClosed
	}
	if _, ok := b.topics[cfg.Topic]; !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrTopicNotFound, cfg.Topic)
	}

	if existing, ok := b.subs[cfg.Name]; ok {
		return Subscription{Name: cfg.Name, Topic: existing.cfg.Topic, Config: existing.cfg}, nil
	}

	b.subs[cfg.Name] = &memSubscription{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
	b.topics[cfg.Topic] = append(b.topics[cfg.Topic], cfg.Name)

	return Subscription{Name: cfg.Name, Topic: cfg.Topic, Config: cfg}, nil
}

// Publish кладёт копию сообщения в каждую подписку топика.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg *OutgoingMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBrokerClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	stored := OutgoingMessage{
		ID:         id,
		Data:       append([]byte(nil), msg.Data...),
		Attributes: maps.Clone(msg.Attributes),
	}
	b.published[topic] = append(b.published[topic], stored)

	now := b.clock.Now()
	for _, name := range subs {
		sub := b.subs[name]
		sub.queue = append(sub.queue, &Delivery{
			ID:           id,
			Subscription: name,
			Topic:        topic,
			Data:         stored.Data,
			Attributes:   maps.Clone(stored.Attributes),
			Attempt:      1,
			PublishedAt:  now,
		})
		signal(sub.notify)
	}

	b.logger.Debug("published message", "topic", topic, "message_id", id)

	return id, nil
}

// Subscribe обрабатывает сообщения подписки в maxConcurrent воркерах.
func (b *MemoryBroker) Subscribe(ctx context.Context, subscription string, handler Handler, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	b.mu.Lock()
	sub, ok := b.subs[subscription]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return ErrBrokerClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscription)
	}

	var wg sync.WaitGroup
	for range maxConcurrent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx, sub, handler)
		}()
	}
	wg.Wait()

	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
		return ctx.Err()
	}
}

func (b *MemoryBroker) work(ctx context.Context, sub *memSubscription, handler Handler) {
	for ctx.Err() == nil {
		d := b.next(sub)
		if d == nil {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-sub.notify:
				continue
			}
		}

		handlerCtx, cancel := context.WithTimeout(ctx, sub.cfg.AckDeadline)
		err := handler(handlerCtx, d)
		if err == nil && errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			// Подтверждение после ack deadline не засчитывается.
			err = context.DeadlineExceeded
		}
		cancel()

		b.settle(sub, d, err)
	}
}

// next забирает следующее сообщение из очереди подписки.
func (b *MemoryBroker) next(sub *memSubscription) *Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(sub.queue) == 0 {
		return nil
	}

	d := sub.queue[0]
	sub.queue = sub.queue[1:]
	sub.inFlight++

	if len(sub.queue) > 0 {
		signal(sub.notify)
	}

	return d
}

// settle выполняет ack или планирует повторную доставку.
func (b *MemoryBroker) settle(sub *memSubscription, d *Delivery, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.inFlight--

	if err == nil || b.closed {
		return
	}

	delay := Backoff(d.Attempt, sub.cfg.RetryPolicy)
	redelivery := *d
	redelivery.Attempt = d.Attempt + 1
	sub.retrying++

	b.logger.Debug("redelivery scheduled",
		"subscription", sub.cfg.Name,
		"message_id", d.ID,
		"next_attempt", redelivery.Attempt,
		"delay", delay,
		"error", err,
	)

	var timer clock.Timer
	timer = b.clock.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.timers, timer)
		sub.retrying--
		if b.closed {
			return
		}
		sub.queue = append(sub.queue, &redelivery)
		signal(sub.notify)
	})
	b.timers[timer] = struct{}{}
}

// Published возвращает все сообщения, опубликованные в топик.
func (b *MemoryBroker) Published(topic string) []OutgoingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]OutgoingMessage(nil), b.published[topic]...)
}

// Idle сообщает, что ни в одной подписке нет сообщений в очереди,
// в обработке или в ожидании повторной доставки.
func (b *MemoryBroker) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if len(sub.queue) > 0 || sub.inFlight > 0 || sub.retrying > 0 {
			return false
		}
	}
	return true
}

// Retrying возвращает число сообщений подписки, ожидающих повторной доставки.
func (b *MemoryBroker) Retrying(subscription string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[subscription]; ok {
		return sub.retrying
	}
	return 0
}

// Close останавливает воркеров и отменяет запланированные доставки.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	for timer := range b.timers {
		timer.Stop()
	}
	clear(b.timers)

	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

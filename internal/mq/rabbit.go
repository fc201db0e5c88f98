package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Заголовки AMQP, которые ведёт сам брокер.
const (
	headerDeliveryAttempt = "x-delivery-attempt"
	headerTopic           = "x-topic"
)

// consumerTimeoutMargin — запас x-consumer-timeout над AckDeadline.
// Обработчик должен успеть вернуться по своему дедлайну и пройти через
// retry-очередь раньше, чем RabbitMQ закроет канал и вернёт сообщение
// в очередь без увеличения x-delivery-attempt.
const consumerTimeoutMargin = 30 * time.Second

// RabbitBroker — Broker поверх RabbitMQ.
//
// Отображение модели:
//   - топик — durable fanout exchange с тем же именем
//   - подписка — durable очередь, привязанная к exchange
//   - backoff — очередь <subscription>.retry без потребителей; сообщение
//     лежит в ней с per-message TTL и по истечении возвращается в основную
//     очередь через default exchange
//   - номер попытки — заголовок x-delivery-attempt
type RabbitBroker struct {
	conn   *Connection
	logger *slog.Logger

	// Канал издателя в режиме confirm; пересоздаётся после ошибок.
	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.RWMutex
	topics map[string]struct{}
	subs   map[string]SubscriptionConfig
}

// NewRabbitBroker создаёт брокер поверх готового соединения.
func NewRabbitBroker(conn *Connection, logger *slog.Logger) *RabbitBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitBroker{
		conn:   conn,
		logger: logger,
		topics: make(map[string]struct{}),
		subs:   make(map[string]SubscriptionConfig),
	}
}

// DialRabbit подключается к RabbitMQ и создаёт брокер.
func DialRabbit(url string, logger *slog.Logger) (*RabbitBroker, error) {
	conn, err := NewConnection(url, logger)
	if err != nil {
		return nil, err
	}
	return NewRabbitBroker(conn, logger), nil
}

// withTempChannel выполняет fn на временном канале.
//
// Ошибка объявления закрывает канал на стороне сервера, поэтому
// объявления не делят канал ни с издателем, ни с подписчиками.
func (b *RabbitBroker) withTempChannel(fn func(ch *amqp.Channel) error) error {
	ch, err := b.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return fn(ch)
}

// CreateTopic объявляет fanout exchange.
func (b *RabbitBroker) CreateTopic(ctx context.Context, name string) (Topic, error) {
	if name == "" {
		return Topic{}, errors.New("topic name is required")
	}

	err := b.withTempChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			name,     // name
			"fanout", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
	})
	if err != nil && !isPreconditionFailed(err) {
		return Topic{}, fmt.Errorf("declare exchange %s: %w", name, classifyAMQP(err))
	}
	if err != nil {
		b.logger.Debug("exchange already exists with other arguments", "topic", name)
	}

	b.mu.Lock()
	b.topics[name] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("topic ready", "topic", name)
	return Topic{Name: name}, nil
}

// CreateSubscription объявляет основную и retry очереди и привязывает
// основную к exchange топика.
func (b *RabbitBroker) CreateSubscription(ctx context.Context, cfg SubscriptionConfig) (Subscription, error) {
	if err := cfg.Validate(); err != nil {
		return Subscription{}, err
	}
	cfg = withDefaults(cfg)

	if err := b.ensureTopic(cfg.Topic); err != nil {
		return Subscription{}, err
	}

	err := b.withTempChannel(func(ch *amqp.Channel) error {
		args := amqp.Table{
			"x-consumer-timeout": consumerTimeout(cfg.AckDeadline).Milliseconds(),
		}
		if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, args); err != nil {
			return err
		}

		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.Name,
		}
		if _, err := ch.QueueDeclare(retryQueue(cfg.Name), true, false, false, false, retryArgs); err != nil {
			return err
		}

		return ch.QueueBind(cfg.Name, "", cfg.Topic, false, nil)
	})
	if err != nil && !isPreconditionFailed(err) {
		return Subscription{}, fmt.Errorf("declare subscription %s: %w", cfg.Name, classifyAMQP(err))
	}
	if err != nil {
		// Очередь уже объявлена с другими аргументами; привязка
		// могла не выполниться, повторяем её отдельно.
		b.logger.Debug("queue already exists with other arguments", "subscription", cfg.Name)
		bindErr := b.withTempChannel(func(ch *amqp.Channel) error {
			return ch.QueueBind(cfg.Name, "", cfg.Topic, false, nil)
		})
		if bindErr != nil {
			return Subscription{}, fmt.Errorf("bind subscription %s: %w", cfg.Name, classifyAMQP(bindErr))
		}
	}

	b.mu.Lock()
	b.subs[cfg.Name] = cfg
	b.mu.Unlock()

	b.logger.Debug("subscription ready", "subscription", cfg.Name, "topic", cfg.Topic)
	return Subscription{Name: cfg.Name, Topic: cfg.Topic, Config: cfg}, nil
}

// ensureTopic проверяет, что exchange существует.
func (b *RabbitBroker) ensureTopic(name string) error {
	b.mu.RLock()
	_, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return nil
	}

	err := b.withTempChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive(name, "fanout", true, false, false, false, nil)
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
		}
		return classifyAMQP(err)
	}

	b.mu.Lock()
	b.topics[name] = struct{}{}
	b.mu.Unlock()

	return nil
}

// Publish публикует сообщение и ждёт подтверждения от брокера.
func (b *RabbitBroker) Publish(ctx context.Context, topic string, msg *OutgoingMessage) (string, error) {
	if err := b.ensureTopic(topic); err != nil {
		return "", err
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	headers := amqp.Table{
		headerDeliveryAttempt: int32(1),
		headerTopic:           topic,
	}
	for k, v := range msg.Attributes {
		headers[k] = v
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         msg.Data,
	}

	if err := b.publishConfirmed(ctx, topic, "", pub); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	b.logger.Debug("published message",
		"topic", topic,
		"message_id", id,
		"type", msg.Attributes[AttrMessageType],
	)

	return id, nil
}

// publishConfirmed публикует через confirm-канал и ждёт ack от сервера.
func (b *RabbitBroker) publishConfirmed(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pubCh == nil || b.pubCh.IsClosed() {
		ch, err := b.conn.OpenChannel()
		if err != nil {
			return err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return fmt.Errorf("%w: enable confirms: %v", ErrBrokerUnavailable, err)
		}
		b.pubCh = ch
	}

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, pub)
	if err != nil {
		b.resetPublisher()
		return classifyAMQP(err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		b.resetPublisher()
		return err
	}
	if !acked {
		return fmt.Errorf("%w: message nacked by server", ErrBrokerUnavailable)
	}

	return nil
}

func (b *RabbitBroker) resetPublisher() {
	if b.pubCh != nil {
		b.pubCh.Close()
		b.pubCh = nil
	}
}

// subscriptionConfig возвращает конфигурацию подписки.
//
// Если подписка объявлена другим процессом, проверяет, что очередь
// существует, и использует политику повторов по умолчанию.
func (b *RabbitBroker) subscriptionConfig(name string) (SubscriptionConfig, error) {
	b.mu.RLock()
	cfg, ok := b.subs[name]
	b.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	err := b.withTempChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return SubscriptionConfig{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
		}
		return SubscriptionConfig{}, classifyAMQP(err)
	}

	return withDefaults(SubscriptionConfig{Name: name}), nil
}

// Close закрывает канал издателя и соединение.
func (b *RabbitBroker) Close() error {
	b.pubMu.Lock()
	b.resetPublisher()
	b.pubMu.Unlock()

	return b.conn.Close()
}

func consumerTimeout(ackDeadline time.Duration) time.Duration {
	return ackDeadline + consumerTimeoutMargin
}

// retryQueue — имя очереди задержки для подписки.
func retryQueue(subscription string) string {
	return subscription + ".retry"
}

// withDefaults заполняет незаданные параметры подписки.
func withDefaults(cfg SubscriptionConfig) SubscriptionConfig {
	if cfg.AckDeadline == 0 {
		cfg.AckDeadline = DefaultAckDeadline
	}
	if cfg.RetryPolicy.MinBackoff == 0 {
		cfg.RetryPolicy.MinBackoff = DefaultMinBackoff
	}
	if cfg.RetryPolicy.MaxBackoff == 0 {
		cfg.RetryPolicy.MaxBackoff = DefaultMaxBackoff
	}
	return cfg
}

// headerAttempt читает номер попытки из заголовков.
func headerAttempt(headers amqp.Table) int {
	switch v := headers[headerDeliveryAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1
}

// headerAttributes извлекает пользовательские атрибуты из заголовков.
func headerAttributes(headers amqp.Table) map[string]string {
	attrs := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return attrs
}

func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// classifyAMQP помечает ошибки соединения как ErrBrokerUnavailable.
func classifyAMQP(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBrokerUnavailable) || errors.Is(err, ErrBrokerClosed) {
		return err
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Recover {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return err
}

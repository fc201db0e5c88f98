package mq

import (
	"context"
	"time"
)

// Broker — durable publish/subscribe поверх топиков и подписок.
//
// Гарантии:
//   - доставка at-least-once, дубликаты возможны
//   - порядок между разными издателями не гарантируется
//   - сообщение без ack доставляется повторно с backoff по RetryPolicy;
//     счётчик попыток ведёт брокер (Delivery.Attempt)
//
// Реализации: RabbitBroker (RabbitMQ), MemoryBroker (in-process).
type Broker interface {
	// CreateTopic создаёт топик. Идемпотентен: для существующего топика
	// возвращает его handle без ошибки.
	CreateTopic(ctx context.Context, name string) (Topic, error)

	// CreateSubscription создаёт подписку на топик. Идемпотентна.
	CreateSubscription(ctx context.Context, cfg SubscriptionConfig) (Subscription, error)

	// Publish публикует сообщение и возвращает его ID.
	Publish(ctx context.Context, topic string, msg *OutgoingMessage) (string, error)

	// Subscribe вызывает handler для каждого доставленного сообщения,
	// не более maxConcurrent одновременно. Блокирует до отмены ctx.
	//
	// handler вернул nil — ack; ошибку — сообщение будет доставлено
	// повторно после backoff.
	Subscribe(ctx context.Context, subscription string, handler Handler, maxConcurrent int) error

	// Close освобождает ресурсы брокера.
	Close() error
}

// Handler — функция обработки доставленного сообщения.
type Handler func(ctx context.Context, d *Delivery) error

// Topic — handle топика.
type Topic struct {
	Name string
}

// Subscription — handle подписки.
type Subscription struct {
	Name   string
	Topic  string
	Config SubscriptionConfig
}

// RetryPolicy — границы экспоненциального backoff между доставками.
type RetryPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DeadLetterPolicy — куда отправлять сообщение после исчерпания попыток.
type DeadLetterPolicy struct {
	// Topic — топик dead-letter.
	Topic string

	// MaxDeliveryAttempts — после стольких неудачных доставок сообщение
	// уходит в dead-letter.
	MaxDeliveryAttempts int
}

// SubscriptionConfig — параметры подписки.
type SubscriptionConfig struct {
	// Name — имя подписки.
	Name string

	// Topic — топик, на который оформлена подписка.
	Topic string

	// AckDeadline — время, после которого неподтверждённое сообщение
	// считается необработанным и доставляется повторно.
	AckDeadline time.Duration

	// RetryPolicy — backoff повторной доставки.
	RetryPolicy RetryPolicy

	// DeadLetter — политика dead-letter; nil для самой dead-letter подписки.
	DeadLetter *DeadLetterPolicy
}

// OutgoingMessage — сообщение для публикации.
type OutgoingMessage struct {
	// ID — идентификатор сообщения; если пустой, назначается брокером.
	ID string

	// Data — тело сообщения (JSON).
	Data []byte

	// Attributes — атрибуты для фильтрации и наблюдаемости.
	Attributes map[string]string
}

// Delivery — доставленное сообщение.
type Delivery struct {
	// ID — идентификатор сообщения; сохраняется между повторными доставками.
	ID string

	// Subscription и Topic — откуда доставлено сообщение.
	Subscription string
	Topic        string

	Data       []byte
	Attributes map[string]string

	// Attempt — номер доставки, начиная с 1. Метаданные брокера,
	// в теле сообщения не передаётся.
	Attempt int

	PublishedAt time.Time
}

// Attribute возвращает атрибут по ключу.
func (d *Delivery) Attribute(key string) string {
	if d.Attributes == nil {
		return ""
	}
	return d.Attributes[key]
}

package mq

import "errors"

// Ошибки брокера.
var (
	// ErrBrokerUnavailable — брокер недоступен; операцию можно повторить.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrTopicNotFound — публикация или подписка на несуществующий топик.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrSubscriptionNotFound — подписка не создана.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSubscription — некорректная конфигурация подписки.
	ErrInvalidSubscription = errors.New("invalid subscription config")

	// ErrBrokerClosed — брокер закрыт.
	ErrBrokerClosed = errors.New("broker closed")

	// ErrInvalidMessage — тело сообщения не соответствует формату.
	ErrInvalidMessage = errors.New("invalid workflow message")
)

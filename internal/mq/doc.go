// Package mq — абстракция брокера сообщений для конвейера.
//
// Структура:
//   - broker.go     — контракт Broker, топики, подписки, доставки
//   - topology.go   — создание топологии при старте (с повторами)
//   - message.go    — формат WorkflowMessage на проводе
//   - backoff.go    — экспоненциальный backoff повторной доставки
//   - connection.go — AMQP соединение с reconnect
//   - rabbit.go     — RabbitBroker: топики, подписки, публикация
//   - consumer.go   — RabbitBroker: потребление и повторная доставка
//   - memory.go     — MemoryBroker для тестов и запуска в одном процессе
//
// Доставка at-least-once: обработчики должны быть идемпотентны.
package mq

// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go            — Handler с DI (хранилище, launcher, logger)
//   - routes.go             — chi router и регистрация маршрутов
//   - middleware.go         — middleware (logging, recovery, метрики)
//   - response.go           — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - project_handler.go    — обработчики для /projects
//   - deadletter_handler.go — обработчики для /dead-letters
//
// API тонкое: создание, просмотр и отмена проектов и просмотр
// dead-letter записей. Вся работа конвейера идёт в оркестраторе.
package api

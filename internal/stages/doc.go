// Package stages — реестр обработчиков этапов и контракт executor'а.
//
// # Executor
//
// Executor выполняет работу этапа (исследование, генерация, редактура,
// SEO) и возвращает Result{Output, Cost} или ошибку с явным классом:
//
//	return stages.Result{}, stages.Transient(err) // повторная доставка
//	return stages.Result{}, stages.Permanent(err) // проект → FAILED
//
// Решение ack/nack принимается только по классу ошибки (KindOf), текст
// ошибки не анализируется.
//
// Реализации:
//   - HTTPExecutor — внешний сервис этапа по HTTP
//   - EchoExecutor — локальная заглушка с фиксированной стоимостью
//
// # Registry
//
// Таблица stage → (executor, next stage, completion topic). Заполняется
// при старте (NewRegistryFromConfig или Register), затем Freeze.
package stages

// Package telemetry — логирование и метрики Scribe.
//
// logging.go настраивает slog (JSON или text) и кладёт logger в context.
// metrics.go регистрирует Prometheus метрики конвейера и HTTP; их
// отдаёт /metrics оркестратора и API.
package telemetry

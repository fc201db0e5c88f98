package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки сообщения.
const (
	OutcomeAck        = "ack"
	OutcomeRetry      = "retry"
	OutcomePermanent  = "permanent"
	OutcomeDeadLetter = "dead_letter"
)

var (
	// MessagesHandled — обработанные доставки по подписке и исходу.
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_messages_handled_total",
		Help: "Delivered messages by subscription and outcome",
	}, []string{"subscription", "outcome"})

	// StageDuration — длительность выполнения executor'а.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_stage_duration_seconds",
		Help:    "Stage executor latency",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	// StageCost — суммарная стоимость этапов.
	StageCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_stage_cost_total",
		Help: "Accumulated executor cost by stage",
	}, []string{"stage"})

	// DeadLetters — записи, отправленные в dead-letter топик.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_dead_letters_total",
		Help: "Messages routed to the dead-letter topic",
	}, []string{"subscription", "reason"})

	// StatusTransitions — переходы статуса проектов.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_status_transitions_total",
		Help: "Project status transitions by target status",
	}, []string{"status"})

	// ProjectsRecovered — продолжения, переопубликованные sweeper'ом.
	ProjectsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_projects_recovered_total",
		Help: "Stale projects whose continuation was republished",
	})

	// HTTPRequests — запросы к HTTP API по маршруту и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_http_requests_total",
		Help: "HTTP requests handled by the API",
	}, []string{"method", "route", "status"})
)

// Package workflow описывает конвейер: порядок этапов, топики, через
// которые этапы связаны, и топологию брокера для них.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
)

// Топики конвейера.
const (
	// TopicProjectCreated — стартовое сообщение нового проекта.
	TopicProjectCreated = "project-created"

	TopicResearchComplete = "research-complete"
	TopicContentGenerated = "content-generated"
	TopicEditingComplete  = "editing-complete"
	TopicSEOOptimized     = "seo-optimized"

	// TopicTaskFailed — уведомления о проектах, переведённых в FAILED.
	TopicTaskFailed = "task-failed"

	// TopicDLQ — dead-letter топик.
	TopicDLQ = "dlq"
)

// SubscriptionName возвращает имя подписки для топика.
func SubscriptionName(topic string) string {
	return topic + "-sub"
}

// Step — строка таблицы диспетчеризации.
type Step struct {
	// Stage — этап, который выполняется при получении сообщения.
	Stage domain.Status

	// InputTopic — топик, из которого этап получает сообщения.
	InputTopic string

	// Subscription — подписка этапа на InputTopic.
	Subscription string

	// CompletionTopic — куда публикуется сообщение после успеха.
	CompletionTopic string

	// Next — этап, которому адресовано сообщение в CompletionTopic.
	// После последнего этапа — COMPLETED.
	Next domain.Status
}

var pipeline = []Step{
	step(domain.StatusResearch, TopicProjectCreated, TopicResearchComplete, domain.StatusGenerating),
	step(domain.StatusGenerating, TopicResearchComplete, TopicContentGenerated, domain.StatusEditing),
	step(domain.StatusEditing, TopicContentGenerated, TopicEditingComplete, domain.StatusSEOOptimization),
	step(domain.StatusSEOOptimization, TopicEditingComplete, TopicSEOOptimized, domain.StatusCompleted),
}

func step(stage domain.Status, input, completion string, next domain.Status) Step {
	return Step{
		Stage:           stage,
		InputTopic:      input,
		Subscription:    SubscriptionName(input),
		CompletionTopic: completion,
		Next:            next,
	}
}

// Pipeline возвращает этапы в порядке выполнения.
func Pipeline() []Step {
	return append([]Step(nil), pipeline...)
}

// StepFor возвращает описание этапа.
func StepFor(stage domain.Status) (Step, error) {
	for _, s := range pipeline {
		if s.Stage == stage {
			return s, nil
		}
	}
	return Step{}, fmt.Errorf("no pipeline step for stage %q", stage)
}

// FirstStage — этап, с которого начинается проект.
func FirstStage() Step {
	return pipeline[0]
}

// Topics возвращает все топики конвейера в порядке создания.
func Topics() []string {
	return []string{
		TopicProjectCreated,
		TopicResearchComplete,
		TopicContentGenerated,
		TopicEditingComplete,
		TopicSEOOptimized,
		TopicTaskFailed,
		TopicDLQ,
	}
}

// Observer-подписки.
var (
	SubscriptionCompleted  = SubscriptionName(TopicSEOOptimized)
	SubscriptionTaskFailed = SubscriptionName(TopicTaskFailed)
	SubscriptionDLQ        = SubscriptionName(TopicDLQ)
)

// messageNamespace — пространство имён детерминированных ID сообщений.
var messageNamespace = uuid.MustParse("b8f4c0e2-91d3-4a57-8c6e-2f7a1d9e4b30")

// MessageID возвращает ID сообщения, адресованного этапу stage проекта.
//
// Повторная публикация того же перехода (после падения или повторной
// доставки) получает тот же ID, поэтому его стоимость не учитывается
// дважды.
func MessageID(projectID string, stage domain.Status) string {
	return uuid.NewSHA1(messageNamespace, []byte(projectID+"/"+string(stage))).String()
}

// FailureMessageID — ID уведомления о переводе проекта в FAILED.
func FailureMessageID(projectID string) string {
	return MessageID(projectID, domain.StatusFailed)
}

// FailurePayload — payload сообщения в task-failed.
// FailureNotice — разобранный payload уведомления task-failed.
type FailureNotice struct {
	FailedStage domain.Status `json:"failed_stage"`
	Error       string        `json:"error"`
}

func FailurePayload(stage domain.Status, reason string) map[string]any {
	return map[string]any{
		"failed_stage": string(stage),
		"error":        reason,
	}
}

// TopologyConfig — параметры подписок конвейера.
type TopologyConfig struct {
	AckDeadline         time.Duration
	MinBackoff          time.Duration
	MaxBackoff          time.Duration
	MaxDeliveryAttempts int
}

// Topology возвращает топики и подписки конвейера.
//
// У каждой подписки, кроме dlq-sub, есть dead-letter политика.
// dlq-sub — конечный приёмник, иначе записи зациклились бы.
func Topology(cfg TopologyConfig) mq.Topology {
	retry := mq.RetryPolicy{MinBackoff: cfg.MinBackoff, MaxBackoff: cfg.MaxBackoff}

	topo := mq.Topology{Topics: Topics()}
	for _, topic := range Topics() {
		sub := mq.SubscriptionConfig{
			Name:        SubscriptionName(topic),
			Topic:       topic,
			AckDeadline: cfg.AckDeadline,
			RetryPolicy: retry,
		}
		if topic != TopicDLQ {
			sub.DeadLetter = &mq.DeadLetterPolicy{
				Topic:               TopicDLQ,
				MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
			}
		}
		topo.Subscriptions = append(topo.Subscriptions, sub)
	}

	return topo
}

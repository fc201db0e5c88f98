package mq

import (
	"encoding/json"
	"fmt"
	"time"
)

// Атрибуты сообщений.
const (
	// AttrMessageType — имя топика, в который опубликовано сообщение.
	AttrMessageType = "message_type"

	// AttrProjectID — ID проекта.
	AttrProjectID = "project_id"

	// AttrCorrelationID — сквозной ID для корреляции логов.
	AttrCorrelationID = "correlation_id"
)

// WorkflowMessage — единица передачи между этапами конвейера.
//
// Формат на проводе:
//
//	{
//	  "project_id": "<string>",
//	  "stage": "<string>",
//	  "payload": { ... },
//	  "timestamp": <float, seconds since epoch>,
//	  "correlation_id": "<string>"
//	}
//
// Номер попытки доставки сюда не входит — это метаданные брокера.
type WorkflowMessage struct {
	// ProjectID — ссылка на проект.
	ProjectID string `json:"project_id"`

	// Stage — этап, которому адресовано сообщение.
	Stage string `json:"stage"`

	// Payload — вход этапа (обычно результат предыдущего этапа).
	Payload map[string]any `json:"payload"`

	// Timestamp — время создания, секунды с начала эпохи.
	Timestamp float64 `json:"timestamp"`

	// CorrelationID — для трассировки; для дедупликации не используется.
	CorrelationID string `json:"correlation_id"`
}

// NewWorkflowMessage создаёт сообщение с текущим временем.
func NewWorkflowMessage(projectID, stage, correlationID string, payload map[string]any, now time.Time) *WorkflowMessage {
	if payload == nil {
		payload = map[string]any{}
	}
	return &WorkflowMessage{
		ProjectID:     projectID,
		Stage:         stage,
		Payload:       payload,
		Timestamp:     float64(now.UnixNano()) / float64(time.Second),
		CorrelationID: correlationID,
	}
}

// Time возвращает Timestamp как time.Time.
func (m *WorkflowMessage) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Encode сериализует сообщение для публикации в topic.
// id — детерминированный ID сообщения (может быть пустым).
func (m *WorkflowMessage) Encode(topic, id string) (*OutgoingMessage, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	return &OutgoingMessage{
		ID:   id,
		Data: body,
		Attributes: map[string]string{
			AttrMessageType:   topic,
			AttrProjectID:     m.ProjectID,
			AttrCorrelationID: m.CorrelationID,
		},
	}, nil
}

// DecodeWorkflowMessage разбирает тело доставленного сообщения.
func DecodeWorkflowMessage(data []byte) (*WorkflowMessage, error) {
	var msg WorkflowMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidMessage)
	}
	if msg.Stage == "" {
		return nil, fmt.Errorf("%w: stage is required", ErrInvalidMessage)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	return &msg, nil
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *WorkflowMessage) (T, error) {
	var result T

	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterRecord — снимок сообщения, исчерпавшего попытки доставки
// или отклонённого обработчиком как необрабатываемое.
//
// Создаётся один раз и больше не изменяется. ID детерминирован по
// (subscription, message id), поэтому повторная публикация той же записи
// не создаёт дубликат в хранилище.
type DeadLetterRecord struct {
	ID uuid.UUID `json:"id"`

	// OriginalMessageID — ID исходного сообщения в брокере.
	OriginalMessageID string `json:"original_message_id"`

	// Subscription и Topic — откуда пришло исходное сообщение.
	Subscription string `json:"subscription"`
	Topic        string `json:"topic"`

	// ProjectID и Stage — из атрибутов/тела сообщения, если удалось разобрать.
	ProjectID string `json:"project_id,omitempty"`
	Stage     string `json:"stage,omitempty"`

	// Data — исходное тело сообщения.
	Data string `json:"original_data"`

	// Attributes — исходные атрибуты сообщения.
	Attributes map[string]string `json:"original_attributes,omitempty"`

	// Reason — последняя ошибка обработки.
	Reason string `json:"error"`

	// Attempts — число попыток доставки.
	Attempts int `json:"delivery_attempts"`

	FailedAt time.Time `json:"failed_at"`
}

// deadLetterNamespace — пространство имён для детерминированных ID записей.
var deadLetterNamespace = uuid.MustParse("6f1d2a8e-4b7c-4c1e-9a51-3d0f6b2e9c17")

// DeadLetterID вычисляет ID записи для сообщения messageID из subscription.
func DeadLetterID(subscription, messageID string) uuid.UUID {
	return uuid.NewSHA1(deadLetterNamespace, []byte(subscription+"/"+messageID))
}

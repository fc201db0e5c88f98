package domain

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition — недопустимый переход статуса.
var ErrInvalidTransition = errors.New("invalid status transition")

// Project — проект генерации контента (aggregate root).
//
// Project создаётся один раз вызывающей стороной (API/CLI) и далее
// изменяется только обработчиками этапов. Оркестратор проекты не удаляет.
type Project struct {
	// ID — уникальный идентификатор, назначается при создании.
	ID uuid.UUID `json:"id"`

	// Status — последний завершённый этап либо терминальный статус.
	Status Status `json:"status"`

	// Input — исходные параметры проекта (topic, tone, target_word_count, ...).
	Input map[string]any `json:"input,omitempty"`

	// CorrelationID — сквозной идентификатор цепочки сообщений проекта.
	CorrelationID string `json:"correlation_id"`

	// StageResults — результат каждого этапа; этап пишет только свой ключ.
	StageResults map[Status]map[string]any `json:"stage_results,omitempty"`

	// Costs — накопленная стоимость по этапам; только увеличивается.
	Costs map[Status]float64 `json:"costs,omitempty"`

	// Errors — журнал ошибок в порядке появления.
	Errors []ErrorRecord `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorRecord — запись журнала ошибок проекта.
type ErrorRecord struct {
	Stage     Status    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewProject создаёт проект в статусе CREATED.
func NewProject(input map[string]any, now time.Time) *Project {
	id := uuid.New()
	return &Project{
		ID:            id,
		Status:        StatusCreated,
		Input:         input,
		CorrelationID: id.String(),
		StageResults:  make(map[Status]map[string]any),
		Costs:         make(map[Status]float64),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsFinished возвращает true, если проект в терминальном статусе.
func (p *Project) IsFinished() bool {
	return p.Status.IsTerminal()
}

// DerivedStatus восстанавливает статус по сохранённым результатам:
// самый дальний этап, для которого есть результат.
func (p *Project) DerivedStatus() Status {
	derived := StatusCreated
	for _, stage := range Stages() {
		if _, ok := p.StageResults[stage]; ok {
			derived = stage
		}
	}
	return derived
}

// EffectiveStatus — статус с учётом результатов, записанных до падения
// процесса между сохранением результата и обновлением статуса.
func (p *Project) EffectiveStatus() Status {
	if p.Status.IsTerminal() {
		return p.Status
	}
	if derived := p.DerivedStatus(); derived.Rank() > p.Status.Rank() {
		return derived
	}
	return p.Status
}

// HasCompleted проверяет, завершён ли этап stage.
func (p *Project) HasCompleted(stage Status) bool {
	if p.Status == StatusCompleted {
		return true
	}
	eff := p.EffectiveStatus()
	return eff != StatusFailed && eff.Rank() >= stage.Rank()
}

// CompletedStages возвращает этапы, для которых сохранён результат.
func (p *Project) CompletedStages() []Status {
	var out []Status
	for _, stage := range Stages() {
		if _, ok := p.StageResults[stage]; ok {
			out = append(out, stage)
		}
	}
	return out
}

// TotalCost возвращает суммарную стоимость всех этапов.
func (p *Project) TotalCost() float64 {
	keys := make([]string, 0, len(p.Costs))
	for k := range p.Costs {
		keys = append(keys, string(k))
	}
	// фиксированный порядок сложения
	sort.Strings(keys)

	var total float64
	for _, k := range keys {
		total += p.Costs[Status(k)]
	}
	return total
}

// LastError возвращает последнюю ошибку или nil.
func (p *Project) LastError() *ErrorRecord {
	if len(p.Errors) == 0 {
		return nil
	}
	return &p.Errors[len(p.Errors)-1]
}

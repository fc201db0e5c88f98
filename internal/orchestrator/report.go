package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Scribe/internal/domain"
)

// Report — состояние проекта для оператора.
type Report struct {
	ProjectID uuid.UUID     `json:"project_id" yaml:"project_id"`
	Status    domain.Status `json:"status" yaml:"status"`
	Topic     string        `json:"topic,omitempty" yaml:"topic,omitempty"`

	// CurrentStage — этап, который выполняется (или ждёт выполнения);
	// для терминальных проектов совпадает со статусом.
	CurrentStage domain.Status `json:"current_stage" yaml:"current_stage"`

	// CompletedStages — этапы с сохранённым результатом, по порядку.
	CompletedStages []domain.Status `json:"completed_stages" yaml:"completed_stages"`

	// Progress — доля завершённых этапов, от 0 до 1.
	Progress float64 `json:"progress" yaml:"progress"`

	Costs     map[domain.Status]float64 `json:"costs" yaml:"costs"`
	TotalCost float64                   `json:"total_cost" yaml:"total_cost"`

	Errors []domain.ErrorRecord `json:"errors,omitempty" yaml:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// BuildReport собирает Report по проекту.
func BuildReport(p *domain.Project) Report {
	completed := p.CompletedStages()
	if completed == nil {
		completed = []domain.Status{}
	}
	costs := p.Costs
	if costs == nil {
		costs = map[domain.Status]float64{}
	}

	r := Report{
		ProjectID:       p.ID,
		Status:          p.Status,
		CurrentStage:    currentStage(p),
		CompletedStages: completed,
		Progress:        float64(len(completed)) / float64(len(domain.Stages())),
		Costs:           costs,
		TotalCost:       p.TotalCost(),
		Errors:          p.Errors,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if topic, ok := p.Input["topic"].(string); ok {
		r.Topic = topic
	}
	return r
}

// currentStage — этап после последнего завершённого.
func currentStage(p *domain.Project) domain.Status {
	if p.Status.IsTerminal() {
		return p.Status
	}
	next, err := p.EffectiveStatus().Next()
	if err != nil {
		return p.Status
	}
	if next == domain.StatusCompleted {
		return domain.StatusSEOOptimization
	}
	return next
}

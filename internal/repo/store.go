package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/domain"
)

// ProjectStore — durable хранилище проектов.
//
// Реализации: ProjectRepo (PostgreSQL), SQLiteProjectRepo, MemProjectRepo.
// Все операции атомарны по отдельности; транзакций между вызовами нет.
type ProjectStore interface {
	// CreateProject создаёт проект в статусе CREATED.
	CreateProject(ctx context.Context, input map[string]any) (*domain.Project, error)

	// GetProject возвращает проект со всеми результатами, стоимостями
	// и ошибками. ErrNotFound, если проекта нет.
	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)

	// UpdateStatus продвигает статус. Возвращает false без ошибки, если
	// переход не продвигает статус (равный, более ранний, из терминального).
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status) (bool, error)

	// AppendCost атомарно прибавляет amount к costs[stage]. Ключ dedupKey
	// применяется к проекту не более одного раза; повтор возвращает false.
	// Пустой ключ не дедуплицируется.
	AppendCost(ctx context.Context, id uuid.UUID, stage domain.Status, amount float64, dedupKey string) (bool, error)

	// FailProject в одной транзакции переводит нетерминальный проект в
	// FAILED и добавляет запись в журнал ошибок. Для терминального проекта
	// ничего не пишет и возвращает false без ошибки, поэтому ошибки есть
	// только у проектов в FAILED.
	FailProject(ctx context.Context, id uuid.UUID, stage domain.Status, message string) (bool, error)

	// SaveStageResult записывает stageResults[stage] (перезаписывает свой ключ).
	SaveStageResult(ctx context.Context, id uuid.UUID, stage domain.Status, result map[string]any) error

	// ListProjects — проекты, новые первыми.
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error)

	// ListStale — нетерминальные проекты, не обновлявшиеся с before,
	// самые давние первыми.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Project, error)

	// SaveDeadLetter сохраняет запись; повтор с тем же ID игнорируется.
	SaveDeadLetter(ctx context.Context, record *domain.DeadLetterRecord) error

	// ListDeadLetters — записи, новые первыми.
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
}

// ProjectFilter — параметры фильтрации проектов.
type ProjectFilter struct {
	Status domain.Status
	Limit  int
	Offset int
}

const defaultListLimit = 100

func (f ProjectFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Option настраивает реализацию хранилища.
type Option func(*options)

type options struct {
	clock clock.PassiveClock
}

// WithClock задаёт часы для created_at/updated_at.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// validateStatus проверяет аргумент UpdateStatus.
func validateStatus(status domain.Status) error {
	if !status.IsValid() || status == domain.StatusCreated {
		return ErrInvalidState
	}
	return nil
}

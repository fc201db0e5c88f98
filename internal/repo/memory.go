package repo

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Scribe/internal/domain"
)

// MemProjectRepo — ProjectStore в памяти процесса.
type MemProjectRepo struct {
	opts options

	mu          sync.RWMutex
	projects    map[uuid.UUID]*domain.Project
	applied     map[uuid.UUID]map[string]struct{}
	deadLetters map[uuid.UUID]domain.DeadLetterRecord
}

var _ ProjectStore = (*MemProjectRepo)(nil)

// NewMemProjectRepo создаёт пустое хранилище.
func NewMemProjectRepo(opts ...Option) *MemProjectRepo {
	return &MemProjectRepo{
		opts:        buildOptions(opts),
		projects:    make(map[uuid.UUID]*domain.Project),
		applied:     make(map[uuid.UUID]map[string]struct{}),
		deadLetters: make(map[uuid.UUID]domain.DeadLetterRecord),
	}
}

func (r *MemProjectRepo) CreateProject(ctx context.Context, input map[string]any) (*domain.Project, error) {
	input, err := normalizeJSON(input)
	if err != nil {
		return nil, err
	}
	p := domain.NewProject(input, r.opts.clock.Now().UTC())

	r.mu.Lock()
	r.projects[p.ID] = p
	r.mu.Unlock()

	return copyProject(p), nil
}

func (r *MemProjectRepo) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProject(p), nil
}

func (r *MemProjectRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status) (bool, error) {
	if err := validateStatus(status); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return false, ErrNotFound
	}
	if !domain.CanTransition(p.Status, status) {
		return false, nil
	}

	p.Status = status
	p.UpdatedAt = r.opts.clock.Now().UTC()
	return true, nil
}

func (r *MemProjectRepo) AppendCost(ctx context.Context, id uuid.UUID, stage domain.Status, amount float64, dedupKey string) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("%w: negative cost %v", ErrInvalidArgument, amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return false, ErrNotFound
	}

	if dedupKey != "" {
		keys := r.applied[id]
		if keys == nil {
			keys = make(map[string]struct{})
			r.applied[id] = keys
		}
		if _, dup := keys[dedupKey]; dup {
			return false, nil
		}
		keys[dedupKey] = struct{}{}
	}

	p.Costs[stage] += amount
	p.UpdatedAt = r.opts.clock.Now().UTC()
	return true, nil
}

func (r *MemProjectRepo) FailProject(ctx context.Context, id uuid.UUID, stage domain.Status, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status.IsTerminal() {
		return false, nil
	}

	now := r.opts.clock.Now().UTC()
	p.Status = domain.StatusFailed
	p.Errors = append(p.Errors, domain.ErrorRecord{Stage: stage, Message: message, Timestamp: now})
	p.UpdatedAt = now
	return true, nil
}

func (r *MemProjectRepo) SaveStageResult(ctx context.Context, id uuid.UUID, stage domain.Status, result map[string]any) error {
	result, err := normalizeJSON(result)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return ErrNotFound
	}

	p.StageResults[stage] = result
	p.UpdatedAt = r.opts.clock.Now().UTC()
	return nil
}

func (r *MemProjectRepo) ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Project
	for _, p := range r.projects {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, *copyProject(p))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	return page(out, filter.Offset, filter.limit()), nil
}

func (r *MemProjectRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Project
	for _, p := range r.projects {
		if p.Status.IsTerminal() || !p.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, *copyProject(p))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	if limit <= 0 {
		limit = defaultListLimit
	}
	return page(out, 0, limit), nil
}

func (r *MemProjectRepo) SaveDeadLetter(ctx context.Context, record *domain.DeadLetterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deadLetters[record.ID]; ok {
		return nil
	}
	stored := *record
	stored.Attributes = maps.Clone(record.Attributes)
	r.deadLetters[record.ID] = stored
	return nil
}

func (r *MemProjectRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := slices.Collect(maps.Values(r.deadLetters))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	if limit <= 0 {
		limit = defaultListLimit
	}
	return page(out, 0, limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// copyProject возвращает глубокую копию проекта.
func copyProject(p *domain.Project) *domain.Project {
	cp := *p
	cp.Input = cloneJSON(p.Input)
	cp.StageResults = make(map[domain.Status]map[string]any, len(p.StageResults))
	for k, v := range p.StageResults {
		cp.StageResults[k] = cloneJSON(v)
	}
	cp.Costs = maps.Clone(p.Costs)
	if cp.Costs == nil {
		cp.Costs = make(map[domain.Status]float64)
	}
	cp.Errors = slices.Clone(p.Errors)
	return &cp
}

package stages

import (
	"fmt"
	"sync"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/workflow"
)

// Registration — запись реестра.
type Registration struct {
	Stage    domain.Status
	Executor Executor

	// Next — этап, которому публикуется результат; COMPLETED для последнего.
	Next domain.Status

	// CompletionTopic — топик, в который публикуется результат.
	CompletionTopic string
}

// Registry — таблица stage → (executor, next).
//
// Заполняется при старте процесса, после Freeze только читается.
type Registry struct {
	mu     sync.RWMutex
	regs   map[domain.Status]Registration
	frozen bool
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[domain.Status]Registration)}
}

// Register связывает этап с executor'ом и следующим этапом.
//
// next должен совпадать с порядком конвейера: реестр не меняет маршрут,
// он только подставляет исполнителя.
func (r *Registry) Register(stage domain.Status, executor Executor, next domain.Status) error {
	if executor == nil {
		return fmt.Errorf("%w: nil executor for %s", ErrInvalidRegistration, stage)
	}

	step, err := workflow.StepFor(stage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if step.Next != next {
		return fmt.Errorf("%w: %s is followed by %s, not %s", ErrInvalidRegistration, stage, step.Next, next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.regs[stage]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, stage)
	}

	r.regs[stage] = Registration{
		Stage:           stage,
		Executor:        executor,
		Next:            next,
		CompletionTopic: step.CompletionTopic,
	}
	return nil
}

// MustRegister — Register, паникующий при ошибке. Для кода инициализации.
func (r *Registry) MustRegister(stage domain.Status, executor Executor, next domain.Status) {
	if err := r.Register(stage, executor, next); err != nil {
		panic(err)
	}
}

// Resolve возвращает регистрацию этапа.
func (r *Registry) Resolve(stage domain.Status) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[stage]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return reg, nil
}

// Freeze запрещает дальнейшую регистрацию.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Missing возвращает этапы конвейера без executor'а.
func (r *Registry) Missing() []domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Status
	for _, step := range workflow.Pipeline() {
		if _, ok := r.regs[step.Stage]; !ok {
			out = append(out, step.Stage)
		}
	}
	return out
}

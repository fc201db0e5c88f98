package stages

import "context"

// Executor — внешний исполнитель этапа (LLM, поиск, SEO-сервис).
//
// Execute получает ID проекта и вход этапа. Успех — Result; ошибка
// должна нести класс (Transient/Permanent), иначе считается временной.
// Executor должен быть чистой функцией входа: при повторной доставке
// он вызывается заново с тем же payload.
type Executor interface {
	Execute(ctx context.Context, projectID string, payload map[string]any) (Result, error)
}

// Result — результат этапа.
type Result struct {
	// Output — сохраняется в stageResults[stage] и передаётся следующему этапу.
	Output map[string]any

	// Cost — стоимость выполнения, прибавляется к costs[stage].
	Cost float64
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, projectID string, payload map[string]any) (Result, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, projectID string, payload map[string]any) (Result, error) {
	return f(ctx, projectID, payload)
}

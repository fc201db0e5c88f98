package stages

import (
	"context"
	"maps"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

// EchoExecutor — локальный executor без внешних вызовов.
//
// Возвращает вход этапа как результат (без project_input) и фиксированную
// стоимость. Нужен для запуска конвейера целиком без внешних сервисов.
//
// Outputs:
//   - stage (string): выполненный этап
//   - input (map): вход этапа
//   - topic (string): тема проекта, если задана
type EchoExecutor struct {
	Stage domain.Status

	// Cost — стоимость каждого вызова.
	Cost float64

	// Delay — искусственная задержка; учитывает отмену ctx.
	Delay time.Duration
}

// Execute возвращает payload как outputs.
func (e *EchoExecutor) Execute(ctx context.Context, _ string, payload map[string]any) (Result, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return Result{}, Transient(ctx.Err())
		}
	}

	input := maps.Clone(payload)
	delete(input, ProjectInputKey)

	output := map[string]any{
		"stage": string(e.Stage),
		"input": input,
	}
	if projectInput, ok := payload[ProjectInputKey].(map[string]any); ok {
		if topic, ok := projectInput["topic"].(string); ok {
			output["topic"] = topic
		}
	}

	return Result{Output: output, Cost: e.Cost}, nil
}

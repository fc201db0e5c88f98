package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrProjectNotFound — сообщение ссылается на несуществующий проект.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectFailed — проект уже в FAILED (в том числе отменён).
	ErrProjectFailed = errors.New("project is failed")

	// ErrProjectFinished — операция над проектом в терминальном статусе.
	ErrProjectFinished = errors.New("project is finished")

	// ErrStageMismatch — этап в сообщении не совпадает с этапом подписки.
	ErrStageMismatch = errors.New("message stage does not match subscription")

	// ErrStageOutOfOrder — проект ещё не дошёл до предыдущего этапа.
	ErrStageOutOfOrder = errors.New("previous stage is not completed")

	// ErrInvalidInput — некорректные параметры нового проекта.
	ErrInvalidInput = errors.New("invalid project input")

	// ErrStartDeferred — проект создан, но стартовое сообщение не
	// опубликовано; его опубликует recovery sweeper.
	ErrStartDeferred = errors.New("start message not published")

	// ErrMissingExecutor — для этапа конвейера нет executor'а.
	ErrMissingExecutor = errors.New("stage has no executor")

	// ErrAlreadyStarted — повторный вызов Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

package stages

import (
	"errors"
	"fmt"
)

// Ошибки реестра и executor'ов.
var (
	// ErrUnknownStage — для этапа не зарегистрирован executor.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrRegistryFrozen — регистрация после старта оркестратора.
	ErrRegistryFrozen = errors.New("registry is frozen")

	// ErrAlreadyRegistered — этап уже зарегистрирован.
	ErrAlreadyRegistered = errors.New("stage already registered")

	// ErrInvalidRegistration — этап или следующий этап не из конвейера.
	ErrInvalidRegistration = errors.New("invalid stage registration")

	// ErrExecutorRequest — запрос к внешнему executor'у не удался.
	ErrExecutorRequest = errors.New("executor request failed")
)

// ErrorKind — класс ошибки этапа. От него зависит судьба сообщения:
// KindTransient — повторная доставка с backoff, KindPermanent —
// подтверждение и перевод проекта в FAILED.
type ErrorKind int

const (
	// KindTransient — сеть, квоты, rate limit, таймауты.
	KindTransient ErrorKind = iota

	// KindPermanent — валидация, неисправимая ошибка executor'а, проект не найден.
	KindPermanent
)

// String возвращает имя класса.
func (k ErrorKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error — ошибка этапа с явным классом.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient помечает err как временную ошибку.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent помечает err как постоянную ошибку.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Permanentf создаёт постоянную ошибку по формату.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// KindOf возвращает класс ошибки.
//
// Ошибки без класса, в том числе истёкший context, — временные.
func KindOf(err error) ErrorKind {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	return KindTransient
}

// IsPermanent — сокращение для KindOf(err) == KindPermanent.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

package domain

import (
	"fmt"
	"strings"
)

// Status — статус проекта в конвейере генерации контента.
//
// Жизненный цикл:
//
//	CREATED → RESEARCH → GENERATING → EDITING → SEO_OPTIMIZATION → COMPLETED
//	   ↘          ↘           ↘           ↘              ↘
//	                             FAILED
//
// Статус промежуточного этапа означает, что этот этап завершён и его
// результат сохранён. COMPLETED и FAILED — терминальные.
type Status string

const (
	// StatusCreated — проект создан, ни один этап ещё не завершён.
	StatusCreated Status = "CREATED"

	// StatusResearch — завершён этап исследования.
	StatusResearch Status = "RESEARCH"

	// StatusGenerating — завершена генерация черновика.
	StatusGenerating Status = "GENERATING"

	// StatusEditing — завершена редактура.
	StatusEditing Status = "EDITING"

	// StatusSEOOptimization — завершена SEO-оптимизация.
	StatusSEOOptimization Status = "SEO_OPTIMIZATION"

	// StatusCompleted — конвейер пройден полностью.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed — проект остановлен из-за ошибки или отменён оператором.
	StatusFailed Status = "FAILED"
)

// stageOrder — порядок статусов. FAILED в порядок не входит.
var stageOrder = []Status{
	StatusCreated,
	StatusResearch,
	StatusGenerating,
	StatusEditing,
	StatusSEOOptimization,
	StatusCompleted,
}

// ParseStatus приводит строку к Status: регистр не важен, '-' равен '_'.
// Результат нужно проверить через IsValid.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
}

// Stages возвращает этапы конвейера в порядке выполнения
// (без CREATED и терминальных статусов).
func Stages() []Status {
	out := make([]Status, 0, len(stageOrder)-2)
	for _, s := range stageOrder {
		if s.IsStage() {
			out = append(out, s)
		}
	}
	return out
}

// Rank возвращает позицию статуса в порядке конвейера.
// Для FAILED и неизвестных значений возвращает -1.
func (s Status) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid проверяет, что статус известен.
func (s Status) IsValid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// IsTerminal возвращает true для COMPLETED и FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsStage возвращает true, если статус соответствует рабочему этапу.
func (s Status) IsStage() bool {
	switch s {
	case StatusResearch, StatusGenerating, StatusEditing, StatusSEOOptimization:
		return true
	default:
		return false
	}
}

// Next возвращает статус, следующий за s в порядке конвейера.
// Для терминальных статусов возвращает ошибку.
func (s Status) Next() (Status, error) {
	if s.IsTerminal() {
		return "", fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	r := s.Rank()
	if r < 0 {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
	}
	return stageOrder[r+1], nil
}

// Prev возвращает статус, после которого выполняется этап s.
// Для первого этапа это CREATED.
func (s Status) Prev() (Status, error) {
	r := s.Rank()
	if r <= 0 || s == StatusFailed {
		return "", fmt.Errorf("%w: %s has no predecessor", ErrInvalidTransition, s)
	}
	return stageOrder[r-1], nil
}

// CanTransition проверяет допустимость перехода from → to.
//
// Статус только продвигается вперёд; FAILED достижим из любого
// нетерминального статуса; из терминальных переходов нет.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.Rank() > from.Rank()
}

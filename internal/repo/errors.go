package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState — недопустимый целевой статус.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument — некорректный аргумент (отрицательная стоимость и т.п.).
	ErrInvalidArgument = errors.New("invalid argument")
)

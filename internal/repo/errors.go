package repo

import "errors"

// Ошибки ledger.
var (
	// ErrNotFound — job не найден.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — job с таким ID уже есть.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — переход невозможен в текущем статусе
	// (например, запись в удалённый job или повторный claim).
	ErrInvalidState = errors.New("invalid state")
)

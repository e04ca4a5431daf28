package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок pipeline.
var (
	// ErrValidation — некорректный ввод job; dispatch не выполняется.
	ErrValidation = errors.New("validation error")

	// ErrStageTimeout — за отведённое время не пришёл completion.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrExecution — воркер сообщил о неудаче.
	ErrExecution = errors.New("execution error")

	// ErrDuplicateCompletion — повторный или запоздалый completion для уже разрешённого token.
	// Логируется и отбрасывается, пользователю не показывается.
	ErrDuplicateCompletion = errors.New("duplicate completion")

	// ErrJobDeleted — job удалён; результаты и новые dispatch отбрасываются.
	ErrJobDeleted = errors.New("job deleted")
)

// ValidationError — ошибка валидации конкретного поля.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Unwrap позволяет errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StageError — ошибка отдельного dispatch с контекстом стадии.
type StageError struct {
	Stage   Stage
	Token   string
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (attempt %d, token %s): %v", e.Stage, e.Attempt, e.Token, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsRetryable возвращает true для ошибок, которые dispatch-слой может повторить.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStageTimeout) || errors.Is(err, ErrExecution)
}

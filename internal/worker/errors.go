package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownStage — нет executor'а для стадии.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrMissingParam — в WorkItem нет обязательного параметра.
	ErrMissingParam = errors.New("missing work item parameter")

	// ErrNoResult — исполнитель завершился, но не записал JSON-результат.
	ErrNoResult = errors.New("stage result not found")

	// ErrHTTPRequest — HTTP-запрос к вычислительному сервису завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrWorkerStopped — пул остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)

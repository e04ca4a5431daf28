package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Hartree/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Minute

// HTTPExecutor отправляет WorkItem во внешний вычислительный сервис.
//
// Запрос: POST {URL} с JSON-телом WorkItem.
// Ответ: JSON-объект — результат стадии.
// HTTP >= 400 или success=false — domain.ErrExecution.
type HTTPExecutor struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration

	// Headers — дополнительные заголовки запроса.
	Headers map[string]string
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, item *domain.WorkItem) (domain.Result, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	// Таймаут
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
	}

	// Создаём запрос
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range e.Headers {
		req.Header.Set(key, val)
	}

	client := e.Client
	if client == nil {
		client = &http.Client{}
	}

	// Выполняем запрос
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	// HTTP >= 400 — логическая ошибка стадии
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrExecution, resp.StatusCode, truncate(string(respBody), 200))
	}

	var result domain.Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object: %v", domain.ErrExecution, err)
	}
	if result == nil {
		result = domain.Result{}
	}

	if ok, present := result.Bool("success"); present && !ok {
		return result, fmt.Errorf("%w: %s reported success=false", domain.ErrExecution, item.Stage)
	}
	return result, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Scribe/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

// HTTPExecutor — executor этапа, вынесенный во внешний HTTP-сервис.
//
// Запрос: POST URL
//
//	{"project_id": "...", "stage": "RESEARCH", "payload": {...}}
//
// Ответ 2xx:
//
//	{"result": {...}, "cost": 0.01}
//
// Классификация ошибок:
//   - сеть, таймаут, 429, 5xx — Transient
//   - прочие 4xx, ответ не в формате — Permanent
type HTTPExecutor struct {
	// Stage — этап, который выполняет сервис.
	Stage domain.Status

	// URL — адрес сервиса (обязательно).
	URL string

	// Headers — дополнительные заголовки (например, Authorization).
	Headers map[string]string

	// Timeout — таймаут запроса. Default: 120s.
	Timeout time.Duration

	// Client — HTTP-клиент. Default: http.DefaultClient.
	Client *http.Client
}

type httpExecutorRequest struct {
	ProjectID string         `json:"project_id"`
	Stage     string         `json:"stage"`
	Payload   map[string]any `json:"payload"`
}

type httpExecutorResponse struct {
	Result map[string]any `json:"result"`
	Cost   *float64       `json:"cost"`
}

// Execute вызывает сервис этапа.
func (e *HTTPExecutor) Execute(ctx context.Context, projectID string, payload map[string]any) (Result, error) {
	if e.URL == "" {
		return Result{}, Permanentf("%w: url is required", ErrExecutorRequest)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(httpExecutorRequest{
		ProjectID: projectID,
		Stage:     string(e.Stage),
		Payload:   payload,
	})
	if err != nil {
		return Result{}, Permanentf("%w: marshal body: %v", ErrExecutorRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanentf("%w: create request: %v", ErrExecutorRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range e.Headers {
		req.Header.Set(key, val)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("%w: %v", ErrExecutorRequest, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, Transient(fmt.Errorf("%w: read response: %v", ErrExecutorRequest, err))
	}

	if resp.StatusCode >= 400 {
		statusErr := fmt.Errorf("%w: HTTP %d: %s", ErrExecutorRequest, resp.StatusCode, truncate(string(respBody), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Result{}, Transient(statusErr)
		}
		return Result{}, Permanent(statusErr)
	}

	var parsed httpExecutorResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, Permanentf("%w: decode response: %v", ErrExecutorRequest, err)
	}
	if parsed.Result == nil {
		return Result{}, Permanent(errors.New("executor response has no result"))
	}
	if parsed.Cost != nil && *parsed.Cost < 0 {
		return Result{}, Permanentf("executor reported negative cost %v", *parsed.Cost)
	}

	result := Result{Output: parsed.Result}
	if parsed.Cost != nil {
		result.Cost = *parsed.Cost
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

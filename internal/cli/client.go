package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// ProjectResponse — проект из API.
type ProjectResponse struct {
	ProjectID       string                    `json:"project_id" yaml:"project_id"`
	Status          string                    `json:"status" yaml:"status"`
	Topic           string                    `json:"topic,omitempty" yaml:"topic,omitempty"`
	CurrentStage    string                    `json:"current_stage" yaml:"current_stage"`
	CompletedStages []string                  `json:"completed_stages" yaml:"completed_stages"`
	Progress        float64                   `json:"progress" yaml:"progress"`
	Costs           map[string]float64        `json:"costs" yaml:"costs"`
	TotalCost       float64                   `json:"total_cost" yaml:"total_cost"`
	Errors          []ErrorRecord             `json:"errors,omitempty" yaml:"errors,omitempty"`
	Input           map[string]any            `json:"input,omitempty" yaml:"input,omitempty"`
	StageResults    map[string]map[string]any `json:"stage_results,omitempty" yaml:"stage_results,omitempty"`
	CreatedAt       string                    `json:"created_at" yaml:"created_at"`
	UpdatedAt       string                    `json:"updated_at" yaml:"updated_at"`
}

// ErrorRecord — запись журнала ошибок проекта.
type ErrorRecord struct {
	Stage     string `json:"stage" yaml:"stage"`
	Message   string `json:"message" yaml:"message"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

// DeadLetterResponse — dead-letter запись из API.
type DeadLetterResponse struct {
	ID                string `json:"id" yaml:"id"`
	OriginalMessageID string `json:"original_message_id" yaml:"original_message_id"`
	Subscription      string `json:"subscription" yaml:"subscription"`
	Topic             string `json:"topic" yaml:"topic"`
	ProjectID         string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Stage             string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Data              string `json:"original_data" yaml:"original_data"`
	Reason            string `json:"error" yaml:"error"`
	Attempts          int    `json:"delivery_attempts" yaml:"delivery_attempts"`
	FailedAt          string `json:"failed_at" yaml:"failed_at"`
}

// --- Request types ---

// CreateProjectRequest — создание проекта.
type CreateProjectRequest struct {
	Topic           string `json:"topic"`
	Tone            string `json:"tone,omitempty"`
	TargetWordCount *int   `json:"target_word_count,omitempty"`
	PrimaryKeyword  string `json:"primary_keyword,omitempty"`
}

// ListProjectsOpts — параметры фильтрации проектов.
type ListProjectsOpts struct {
	Status string
	Limit  int
	Offset int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Scribe API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Projects ---

// ListProjects возвращает сводки проектов.
func (c *Client) ListProjects(opts ListProjectsOpts) ([]ProjectResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var projects []ProjectResponse
	err := c.list("/api/v1/projects", params, &projects)
	return projects, err
}

// CreateProject создаёт проект. deferred=true — проект создан, но
// конвейер запустится позже (API ответил 202).
func (c *Client) CreateProject(req CreateProjectRequest) (project *ProjectResponse, deferred bool, err error) {
	var p ProjectResponse
	status, err := c.doData(http.MethodPost, "/api/v1/projects", req, &p)
	return &p, status == http.StatusAccepted, err
}

// GetProject возвращает проект по ID.
func (c *Client) GetProject(id string) (*ProjectResponse, error) {
	var p ProjectResponse
	err := c.get("/api/v1/projects/"+url.PathEscape(id), &p)
	return &p, err
}

// CancelProject отменяет проект.
func (c *Client) CancelProject(id, reason string) (*ProjectResponse, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}

	var p ProjectResponse
	err := c.post("/api/v1/projects/"+url.PathEscape(id)+"/cancel", body, &p)
	return &p, err
}

// --- Dead letters ---

// ListDeadLetters возвращает dead-letter записи.
func (c *Client) ListDeadLetters(limit int) ([]DeadLetterResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var records []DeadLetterResponse
	err := c.list("/api/v1/dead-letters", params, &records)
	return records, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	_, err := c.doData(http.MethodGet, path, nil, result)
	return err
}

func (c *Client) post(path string, body any, result any) error {
	_, err := c.doData(http.MethodPost, path, body, result)
	return err
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) (int, error) {
	resp, err := c.do(method, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return resp.StatusCode, err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return resp.StatusCode, json.Unmarshal(dr.Data, result)
	}
	return resp.StatusCode, nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}

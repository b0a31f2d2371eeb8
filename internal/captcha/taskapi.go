package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProviderConfig describes one task-API provider entry from configuration.
type ProviderConfig struct {
	// Name is "capsolver" or "2captcha"; it selects base URL and task type names.
	Name    string
	APIKey  string
	BaseURL string
	// PollInterval defaults to 2s, MaxPolls to 60.
	PollInterval time.Duration
	MaxPolls     int
}

type preset struct {
	baseURL string
	types   map[Kind]string
}

var presets = map[string]preset{
	"capsolver": {
		baseURL: "https://api.capsolver.com",
		types: map[Kind]string{
			KindRecaptchaV2: "ReCaptchaV2TaskProxyLess",
			KindHCaptcha:    "HCaptchaTaskProxyLess",
			KindTurnstile:   "AntiTurnstileTaskProxyLess",
		},
	},
	"2captcha": {
		baseURL: "https://api.2captcha.com",
		types: map[Kind]string{
			KindRecaptchaV2: "RecaptchaV2TaskProxyless",
			KindHCaptcha:    "HCaptchaTaskProxyless",
			KindTurnstile:   "TurnstileTaskProxyless",
		},
	},
}

// TaskAPI talks to createTask/getTaskResult style solving services.
type TaskAPI struct {
	name     string
	apiKey   string
	baseURL  string
	types    map[Kind]string
	interval time.Duration
	maxPolls int
	client   *http.Client
}

// NewTaskAPI builds a provider. client may be nil.
func NewTaskAPI(cfg ProviderConfig, client *http.Client) (*TaskAPI, error) {
	name := strings.ToLower(cfg.Name)
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown captcha provider %q", cfg.Name)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("captcha provider %s: api key is required", name)
	}
	base := cfg.BaseURL
	if base == "" {
		base = p.baseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TaskAPI{
		name:     name,
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimSuffix(base, "/"),
		types:    p.types,
		interval: cfg.PollInterval,
		maxPolls: cfg.MaxPolls,
		client:   client,
	}, nil
}

// Name returns the provider name.
func (t *TaskAPI) Name() string { return t.name }

type createTaskRequest struct {
	ClientKey string         `json:"clientKey"`
	Task      map[string]any `json:"task"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type apiResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         map[string]any  `json:"solution"`
}

func (r apiResponse) err() error {
	if r.ErrorID == 0 {
		return nil
	}
	return fmt.Errorf("api error %s: %s", r.ErrorCode, r.ErrorDescription)
}

// Solve submits the challenge and polls until a token is ready.
func (t *TaskAPI) Solve(ctx context.Context, ch Challenge) (string, error) {
	taskType, ok := t.types[ch.Kind]
	if !ok {
		return "", fmt.Errorf("unsupported challenge kind %q", ch.Kind)
	}
	var created apiResponse
	err := t.post(ctx, "/createTask", createTaskRequest{
		ClientKey: t.apiKey,
		Task: map[string]any{
			"type":       taskType,
			"websiteURL": ch.PageURL,
			"websiteKey": ch.SiteKey,
		},
	}, &created)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := created.err(); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	taskID := strings.Trim(string(created.TaskID), `"`)
	if taskID == "" {
		return "", errors.New("create task: missing task id")
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for range t.maxPolls {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("poll task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
		var res apiResponse
		if err := t.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: t.apiKey, TaskID: taskID}, &res); err != nil {
			return "", fmt.Errorf("poll task %s: %w", taskID, err)
		}
		if err := res.err(); err != nil {
			return "", fmt.Errorf("poll task %s: %w", taskID, err)
		}
		if res.Status != "ready" {
			continue
		}
		if token := solutionToken(res.Solution); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("task %s ready without token", taskID)
	}
	return "", fmt.Errorf("task %s not ready after %d polls", taskID, t.maxPolls)
}

func solutionToken(sol map[string]any) string {
	for _, key := range []string{"gRecaptchaResponse", "token"} {
		if v, ok := sol[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (t *TaskAPI) post(ctx context.Context, path string, body any, out *apiResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

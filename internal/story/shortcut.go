package story

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultShortcutBaseURL = "https://api.app.shortcut.com"
	shortcutMaxRetries     = 3
	shortcutBaseBackoff    = 1 * time.Second
)

// ShortcutConfig configures the Shortcut API client.
type ShortcutConfig struct {
	BaseURL string
	Token   string

	// ProjectID and WorkflowStateID place created stories. Zero
	// leaves them to workspace defaults.
	ProjectID       int64
	WorkflowStateID int64

	Timeout time.Duration
}

// ShortcutClient is a minimal Shortcut REST client covering story
// creation.
type ShortcutClient struct {
	config     ShortcutConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewShortcutClient creates a Shortcut client.
func NewShortcutClient(cfg ShortcutConfig) (*ShortcutClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("shortcut token required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultShortcutBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShortcutClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
	}, nil
}

// CreateStoryRequest is the subset of Shortcut's create-story payload
// we use.
type CreateStoryRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	ProjectID       int64    `json:"project_id,omitempty"`
	WorkflowStateID int64    `json:"workflow_state_id,omitempty"`
	Labels          []Label  `json:"labels,omitempty"`
	StoryType       string   `json:"story_type,omitempty"`
	ExternalLinks   []string `json:"external_links,omitempty"`
}

// Label is a Shortcut story label.
type Label struct {
	Name string `json:"name"`
}

// ShortcutStory is the subset of Shortcut's story response we consume.
type ShortcutStory struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	AppURL string `json:"app_url"`
}

type shortcutRetryable struct{ err error }

func (e *shortcutRetryable) Error() string { return e.err.Error() }
func (e *shortcutRetryable) Unwrap() error { return e.err }

// CreateStory creates a story via POST /api/v3/stories.
func (c *ShortcutClient) CreateStory(ctx context.Context, req CreateStoryRequest) (ShortcutStory, error) {
	if req.ProjectID == 0 {
		req.ProjectID = c.config.ProjectID
	}
	if req.WorkflowStateID == 0 {
		req.WorkflowStateID = c.config.WorkflowStateID
	}
	if req.StoryType == "" {
		req.StoryType = "feature"
	}
	req.Labels = append(req.Labels, Label{Name: "feedforward"})

	var lastErr error
	for attempt := 0; attempt <= shortcutMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := shortcutBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ShortcutStory{}, ctx.Err()
			}
		}

		story, err := c.doCreate(ctx, req)
		if err == nil {
			return story, nil
		}

		lastErr = err
		var re *shortcutRetryable
		if !errors.As(err, &re) {
			return ShortcutStory{}, err
		}
	}
	return ShortcutStory{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *ShortcutClient) doCreate(ctx context.Context, req CreateStoryRequest) (ShortcutStory, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ShortcutStory{}, fmt.Errorf("rate limiter error: %w", err)
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return ShortcutStory{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.BaseURL+"/api/v3/stories", bytes.NewBuffer(jsonData))
	if err != nil {
		return ShortcutStory{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Shortcut-Token", c.config.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ShortcutStory{}, &shortcutRetryable{err: fmt.Errorf("shortcut request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ShortcutStory{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ShortcutStory{}, &shortcutRetryable{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return ShortcutStory{}, &shortcutRetryable{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return ShortcutStory{}, fmt.Errorf("shortcut API error (%d): %s", resp.StatusCode, string(body))
	}

	var story ShortcutStory
	if err := json.Unmarshal(body, &story); err != nil {
		return ShortcutStory{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if story.ID == 0 {
		return ShortcutStory{}, fmt.Errorf("shortcut response missing story id")
	}
	return story, nil
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize    = 50
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultTimeout     = 30 * time.Second
)

var (
	// ErrUnauthorized indicates the source API rejected our token.
	ErrUnauthorized = errors.New("source API unauthorized")

	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)

// retryableError marks errors worth retrying (rate limits, server
// errors, network failures).
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// ClientConfig configures the source API client.
type ClientConfig struct {
	// BaseURL is the source platform API root, e.g. https://api.intercom.io.
	BaseURL string

	// AccessToken authenticates requests.
	AccessToken string

	// SourceName labels fetched conversations, e.g. "intercom".
	SourceName string

	// PageSize is conversations per page. Defaults to 50.
	PageSize int

	// RatePerSec caps outgoing requests. Defaults to 5.
	RatePerSec float64

	// MaxRetries bounds retry attempts on transient failures.
	MaxRetries int

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// IncludeOpen also fetches conversations that are still open.
	// The default fetches only closed ones, which have a complete
	// transcript to classify.
	IncludeOpen bool
}

// Client fetches conversations from an Intercom-compatible REST API
// using cursor pagination.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates a source API client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base URL required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("source access token required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "intercom"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		logger:     logger,
		tracer:     otel.Tracer("feedforward.conversation"),
	}, nil
}

// wire types for the Intercom-style list endpoint

type listResponse struct {
	Conversations []wireConversation `json:"conversations"`
	TotalCount    int                `json:"total_count"`
	Pages         struct {
		Next struct {
			StartingAfter string `json:"starting_after"`
		} `json:"next"`
	} `json:"pages"`
}

type wireConversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
	Source    wirePart   `json:"source"`
	Parts     wirePartsC `json:"conversation_parts"`
}

type wirePartsC struct {
	ConversationParts []wirePart `json:"conversation_parts"`
}

type wirePart struct {
	PartType  string `json:"part_type"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	Author    struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"author"`
}

// FetchPage fetches one page of conversations starting after cursor.
// An empty cursor fetches the first page. Returned conversations are
// already normalized.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	ctx, span := c.tracer.Start(ctx, "conversation.FetchPage",
		trace.WithAttributes(
			attribute.String("source", c.config.SourceName),
			attribute.Bool("has_cursor", cursor != ""),
		))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				return nil, ctx.Err()
			}
		}

		page, err := c.doFetch(ctx, cursor)
		if err == nil {
			span.SetAttributes(
				attribute.Int("conversations", len(page.Conversations)),
				attribute.Bool("has_next", page.NextCursor != ""),
			)
			return page, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.logger.Warn("source fetch failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	err := fmt.Errorf("max retries exceeded: %w", lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (c *Client) doFetch(ctx context.Context, cursor string) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	u, err := url.Parse(c.config.BaseURL + "/conversations")
	if err != nil {
		return nil, fmt.Errorf("parsing source URL: %w", err)
	}
	q := u.Query()
	q.Set("per_page", strconv.Itoa(c.config.PageSize))
	if !c.config.IncludeOpen {
		q.Set("state", "closed")
	}
	if cursor != "" {
		q.Set("starting_after", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("source request failed: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var decoded listResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	page := &Page{
		Conversations: make([]Conversation, 0, len(decoded.Conversations)),
		NextCursor:    decoded.Pages.Next.StartingAfter,
		TotalCount:    decoded.TotalCount,
	}
	for _, wc := range decoded.Conversations {
		page.Conversations = append(page.Conversations, normalize(wc, c.config.SourceName))
	}

	return page, nil
}

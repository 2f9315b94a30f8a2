// Package gamify talks to the external gamification service. An award is
// two calls: create a task assigned to the recipient, then complete it.
package gamify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AwardRequest describes one award to one recipient.
type AwardRequest struct {
	Email     string `json:"assignee_email"`
	Name      string `json:"assignee_name,omitempty"`
	XP        int64  `json:"xp"`
	Badge     string `json:"badge,omitempty"`
	Title     string `json:"title"`
	Reference string `json:"reference,omitempty"` // event key or ledger key
}

// Receipt identifies the completed external task.
type Receipt struct {
	TaskID string `json:"task_id"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// Awarder applies awards. Implementations are called from the dispatch
// queue only.
type Awarder interface {
	Award(ctx context.Context, req AwardRequest) (*Receipt, error)
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gamify: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client is the HTTP Awarder.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type createTaskResponse struct {
	ID string `json:"id"`
}

// Award creates the task and marks it complete.
func (c *Client) Award(ctx context.Context, req AwardRequest) (*Receipt, error) {
	if req.Email == "" {
		return nil, fmt.Errorf("gamify: award %q: recipient email is required", req.Title)
	}
	body, err := c.do(ctx, "create task", c.baseURL+"/tasks", req)
	if err != nil {
		return nil, err
	}
	var created createTaskResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("gamify: parse create task response: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("gamify: create task response carried no id")
	}
	if _, err := c.do(ctx, "complete task", c.baseURL+"/tasks/"+url.PathEscape(created.ID)+"/complete", struct{}{}); err != nil {
		return nil, err
	}
	return &Receipt{TaskID: created.ID}, nil
}

func (c *Client) do(ctx context.Context, op, endpoint string, payload any) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gamify: marshal %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("gamify: create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gamify: %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gamify: read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
	}
	return respBody, nil
}

// DryRun logs awards instead of sending them. It is used when no service
// URL is configured.
type DryRun struct{}

func (DryRun) Award(_ context.Context, req AwardRequest) (*Receipt, error) {
	id := "dry-" + uuid.NewString()
	slog.Info("award (dry run)",
		"task_id", id, "email", req.Email, "xp", req.XP, "badge", req.Badge, "title", req.Title)
	return &Receipt{TaskID: id, DryRun: true}, nil
}

// New returns a Client for baseURL, or DryRun when it is empty.
func New(baseURL, token string, timeout time.Duration) Awarder {
	if strings.TrimSpace(baseURL) == "" {
		return DryRun{}
	}
	return NewClient(baseURL, token, timeout)
}

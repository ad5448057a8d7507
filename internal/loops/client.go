// Package loops provides a client for the Loops.so email API, used to
// escalate dead crawl tasks to the operations inbox.
// See https://loops.so/docs/api-reference for full documentation.
package loops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	baseURL        = "https://app.loops.so/api/v1"
	defaultTimeout = 10 * time.Second
)

// Client provides methods to interact with the Loops.so API.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// New creates a new Loops client with the given API key.
func New(apiKey string) *Client {
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// TransactionalRequest contains the fields for sending a transactional email.
type TransactionalRequest struct {
	// Email is the recipient's email address (required).
	Email string `json:"email"`
	// TransactionalID is the template ID from the Loops dashboard (required).
	TransactionalID string `json:"transactionalId"`
	// DataVariables are template variables to inject into the email (optional).
	DataVariables map[string]any `json:"dataVariables,omitempty"`
	// IdempotencyKey prevents duplicate sends within 24 hours (optional).
	IdempotencyKey string `json:"-"`
}

// SendTransactional sends a transactional email via the Loops API.
func (c *Client) SendTransactional(ctx context.Context, req *TransactionalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("loops: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transactional", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("loops: failed to create request: %w", err)
	}

	c.setHeaders(httpReq)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	return c.do(httpReq)
}

// EventRequest contains the fields for sending an event.
type EventRequest struct {
	// Email is the contact's email address (required if UserID not set).
	Email string `json:"email,omitempty"`
	// UserID is the contact's user ID (required if Email not set).
	UserID string `json:"userId,omitempty"`
	// EventName is the name of the event to trigger (required).
	EventName string `json:"eventName"`
	// EventProperties are custom properties for the event (optional).
	EventProperties map[string]any `json:"eventProperties,omitempty"`
}

// SendEvent sends an event to trigger automations in Loops.
func (c *Client) SendEvent(ctx context.Context, req *EventRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("loops: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/events/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("loops: failed to create request: %w", err)
	}

	c.setHeaders(httpReq)
	return c.do(httpReq)
}

// APIError represents an error response from the Loops API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("loops: API error (status %d): %s", e.StatusCode, e.Message)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loops: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}

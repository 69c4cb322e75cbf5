package switchyardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Switchyard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Item represents the API work-item model (partial).
type Item struct {
	ID        string   `json:"id"`
	Code      string   `json:"code"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	ParentID  *string  `json:"parent_id,omitempty"`
	BlockedBy []string `json:"blocked_by,omitempty"`
}

// TransitionResult reports an applied transition.
type TransitionResult struct {
	ItemID     string          `json:"item_id"`
	ItemCode   string          `json:"item_code"`
	FromStatus string          `json:"from_status"`
	NewStatus  string          `json:"new_status"`
	Effects    []EffectOutcome `json:"effects"`
	AuditID    int64           `json:"audit_id"`
}

// EffectOutcome is one executed side effect.
type EffectOutcome struct {
	Name    string            `json:"name"`
	Result  string            `json:"result"`
	Cascade *TransitionResult `json:"cascade,omitempty"`
}

// TransitionOption is one legal move from the item's current status.
type TransitionOption struct {
	To          string `json:"to"`
	Condition   string `json:"condition,omitempty"`
	Effect      string `json:"effect,omitempty"`
	Description string `json:"description,omitempty"`
}

// AuditRecord is one entry in an item's trail.
type AuditRecord struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	ItemCode     string         `json:"item_code"`
	FromStatus   string         `json:"from_status"`
	ToStatus     string         `json:"to_status"`
	ActorID      string         `json:"actor_id,omitempty"`
	ChangeSource string         `json:"change_source"`
	Effects      []string       `json:"effects"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem creates a work item.
func (c *Client) CreateItem(ctx context.Context, itemType, title string, opts map[string]any) (Item, error) {
	body := map[string]any{
		"type":  itemType,
		"title": title,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// GetItem fetches an item by ID or short code.
func (c *Client) GetItem(ctx context.Context, ref string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// Transition applies a status move.
func (c *Client) Transition(ctx context.Context, ref, to string) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "v0/items/"+url.PathEscape(ref)+"/transitions", map[string]any{"to": to}, &resp)
	return resp, err
}

// Transitions lists the legal moves from the item's current status.
func (c *Client) Transitions(ctx context.Context, ref string) ([]TransitionOption, error) {
	var resp struct {
		Transitions []TransitionOption `json:"transitions"`
	}
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(ref)+"/transitions", nil, &resp)
	return resp.Transitions, err
}

// History returns the item's audit trail, oldest first.
func (c *Client) History(ctx context.Context, ref string) ([]AuditRecord, error) {
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(ref)+"/history", nil, &resp)
	return resp, err
}

// StartWork moves a task to in_progress and returns its plan context.
func (c *Client) StartWork(ctx context.Context, ref string) (TransitionResult, error) {
	var resp struct {
		Result TransitionResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "v0/items/"+url.PathEscape(ref)+"/start", nil, &resp)
	return resp.Result, err
}

// CompleteWork moves a task to completed and returns the next ready sibling.
func (c *Client) CompleteWork(ctx context.Context, ref string) (TransitionResult, *Item, error) {
	var resp struct {
		Result   TransitionResult `json:"result"`
		NextTask *Item            `json:"next_task"`
	}
	err := c.do(ctx, http.MethodPost, "v0/items/"+url.PathEscape(ref)+"/complete", nil, &resp)
	return resp.Result, resp.NextTask, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

package agentledgersdk

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

// Client is a minimal AgentLedger HTTP API client. The tenant comes from the
// credentials, so the client carries none.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Processed bool           `json:"processed"`
	CreatedAt string         `json:"created_at"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Posting is one line of a ledger entry. Amounts are in øre.
type Posting struct {
	Account string `json:"account"`
	Debit   int64  `json:"debit,omitempty"`
	Credit  int64  `json:"credit,omitempty"`
}

// Booking is a proposed or posted ledger entry (partial).
type Booking struct {
	ID         string `json:"id"`
	InvoiceID  string `json:"invoice_id"`
	VendorID   string `json:"vendor_id"`
	Confidence int    `json:"confidence"`
	Status     string `json:"status"`
	Entry      struct {
		Postings []Posting `json:"postings"`
	} `json:"entry"`
}

// ReviewItem is a booking waiting for a human decision.
type ReviewItem struct {
	ID           string   `json:"id"`
	BookingID    string   `json:"booking_id"`
	Priority     string   `json:"priority"`
	AIConfidence int      `json:"ai_confidence"`
	AIReasoning  string   `json:"ai_reasoning"`
	Status       string   `json:"status"`
	ResolvedBy   *string  `json:"resolved_by"`
	Booking      *Booking `json:"booking,omitempty"`
}

// Correction records a reviewer's account change.
type Correction struct {
	ID               string `json:"id"`
	ReviewItemID     string `json:"review_item_id"`
	OriginalAccount  string `json:"original_account"`
	CorrectedAccount string `json:"corrected_account"`
	CreatedBy        string `json:"created_by"`
}

// Pattern is a learned vendor or keyword to account mapping.
type Pattern struct {
	ID               string  `json:"id"`
	Type             string  `json:"pattern_type"`
	Key              string  `json:"pattern_key"`
	SuggestedAccount string  `json:"suggested_account"`
	SuccessRate      float64 `json:"success_rate"`
	TimesApplied     int     `json:"times_applied"`
	IsActive         bool    `json:"is_active"`
}

// Health is the queue health report.
type Health struct {
	Status            string         `json:"status"`
	UnprocessedEvents int            `json:"unprocessed_events"`
	FailedTasks       int            `json:"failed_tasks"`
	Tasks             map[string]int `json:"tasks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PublishInvoice ingests an invoice. path is optional.
func (c *Client) PublishInvoice(ctx context.Context, invoiceID, path string) (Event, error) {
	payload := map[string]any{"invoice_id": invoiceID}
	if path != "" {
		payload["path"] = path
	}
	body := map[string]any{
		"event_type": "invoice_received",
		"payload":    payload,
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

// Reviews lists the review queue. Empty filters match everything.
func (c *Client) Reviews(ctx context.Context, status, priority string) ([]ReviewItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if priority != "" {
		q.Set("priority", priority)
	}
	var resp struct {
		Items []ReviewItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/reviews", q), nil, &resp)
	return resp.Items, err
}

// Review fetches one review item with its booking.
func (c *Client) Review(ctx context.Context, id string) (ReviewItem, error) {
	var resp ReviewItem
	err := c.do(ctx, http.MethodGet, "v0/reviews/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ApproveReview(ctx context.Context, id string) (ReviewItem, error) {
	var resp ReviewItem
	err := c.do(ctx, http.MethodPost, "v0/reviews/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

// CorrectReview replaces the proposed expense account.
func (c *Client) CorrectReview(ctx context.Context, id, account string) (Correction, error) {
	var resp Correction
	err := c.do(ctx, http.MethodPost, "v0/reviews/"+url.PathEscape(id)+"/correct", map[string]any{"account": account}, &resp)
	return resp, err
}

func (c *Client) RejectReview(ctx context.Context, id, reason string) (ReviewItem, error) {
	var resp ReviewItem
	err := c.do(ctx, http.MethodPost, "v0/reviews/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Patterns lists learned patterns.
func (c *Client) Patterns(ctx context.Context, activeOnly bool) ([]Pattern, error) {
	endpoint := "v0/patterns"
	if activeOnly {
		endpoint += "?active=true"
	}
	var resp struct {
		Items []Pattern `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

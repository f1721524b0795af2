package reviewloopsdk

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

// Client is a minimal Reviewloop HTTP API client.
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

// Business represents the API business model.
type Business struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ReplyTo   string `json:"reply_to,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Recipient represents a review recipient.
type Recipient struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Happy      *bool  `json:"happy,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Review represents a submitted review.
type Review struct {
	ID          string `json:"id"`
	BusinessID  string `json:"business_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Stars       *int   `json:"stars,omitempty"`
	Happy       bool   `json:"happy"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a ledger entry.
type Event struct {
	ID          int64          `json:"id"`
	BusinessID  string         `json:"business_id"`
	RecipientID string         `json:"recipient_id"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// SentInvite identifies one confirmed delivery.
type SentInvite struct {
	RecipientID string `json:"recipient_id"`
	Email       string `json:"email"`
}

// DispatchResult summarizes a bulk invitation send.
type DispatchResult struct {
	Sent    []SentInvite      `json:"sent"`
	Failed  map[string]string `json:"failed,omitempty"`
	Missing []string          `json:"missing,omitempty"`
}

// ClickResult is the outcome of recording an invitation click.
type ClickResult struct {
	Recorded       bool `json:"recorded"`
	AlreadyClicked bool `json:"already_clicked"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBusiness registers a business.
func (c *Client) CreateBusiness(ctx context.Context, name, replyTo string) (Business, error) {
	body := map[string]any{"name": name}
	if replyTo != "" {
		body["reply_to"] = replyTo
	}
	var resp Business
	err := c.do(ctx, http.MethodPost, "v0/businesses", body, &resp)
	return resp, err
}

// AddRecipient registers a recipient under a business.
func (c *Client) AddRecipient(ctx context.Context, businessID, email, name string) (Recipient, error) {
	body := map[string]any{"email": email}
	if name != "" {
		body["name"] = name
	}
	var resp Recipient
	endpoint := fmt.Sprintf("v0/businesses/%s/recipients", url.PathEscape(businessID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DispatchInvites sends invitation email to the listed recipients.
func (c *Client) DispatchInvites(ctx context.Context, businessID string, recipientIDs []string) (DispatchResult, error) {
	var resp DispatchResult
	endpoint := fmt.Sprintf("v0/businesses/%s/invites", url.PathEscape(businessID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"recipient_ids": recipientIDs}, &resp)
	return resp, err
}

// RecordClick records an invitation link click on behalf of a recipient.
// It needs no auth credentials, only the capability token from the link.
func (c *Client) RecordClick(ctx context.Context, businessID, recipientID, token string) (ClickResult, error) {
	var resp ClickResult
	err := c.do(ctx, http.MethodPost, "v0/public/clicks", map[string]any{
		"businessId":  businessID,
		"recipientId": recipientID,
		"token":       token,
	}, &resp)
	return resp, err
}

// SubmitReview submits a review on behalf of a recipient.
func (c *Client) SubmitReview(ctx context.Context, businessID, recipientID, token, reviewType, content string, stars *int) (Review, error) {
	body := map[string]any{
		"businessId":  businessID,
		"recipientId": recipientID,
		"token":       token,
		"type":        reviewType,
		"content":     content,
	}
	if stars != nil {
		body["stars"] = *stars
	}
	var resp Review
	err := c.do(ctx, http.MethodPost, "v0/public/reviews", body, &resp)
	return resp, err
}

// ListReviews returns the reviews of a business.
func (c *Client) ListReviews(ctx context.Context, businessID string) ([]Review, error) {
	var resp []Review
	endpoint := fmt.Sprintf("v0/businesses/%s/reviews", url.PathEscape(businessID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent ledger events, optionally filtered.
func (c *Client) Events(ctx context.Context, businessID, recipientID, action string, limit int) ([]Event, error) {
	q := url.Values{}
	if businessID != "" {
		q.Set("business_id", businessID)
	}
	if recipientID != "" {
		q.Set("recipient_id", recipientID)
	}
	if action != "" {
		q.Set("action", action)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

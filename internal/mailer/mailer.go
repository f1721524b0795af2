// Package mailer delivers invitation email through a transactional mail API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Message is one outbound email.
type Message struct {
	To       string
	Name     string
	From     string
	Subject  string
	HTMLBody string
	TextBody string
}

// Mailer sends a message and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// HTTPMailer posts messages to a transactional mail HTTP API.
type HTTPMailer struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTPMailer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMailer{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	To       string `json:"to"`
	ToName   string `json:"to_name,omitempty"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body,omitempty"`
	TextBody string `json:"text_body,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	if m.BaseURL == "" {
		return "", fmt.Errorf("mailer base url not configured")
	}
	body, err := json.Marshal(sendRequest{
		To:       msg.To,
		ToName:   msg.Name,
		From:     msg.From,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		TextBody: msg.TextBody,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mail delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("mail delivery: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("mail delivery: decode response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("mail delivery: provider returned no message id")
	}
	return out.MessageID, nil
}

// LogMailer records messages in memory instead of delivering them. Used by
// rl serve --dev and by tests. Safe for concurrent sends.
type LogMailer struct {
	mu   sync.Mutex
	Sent []Message
	// Fail lists recipient addresses whose delivery should be refused.
	Fail map[string]bool
	next int
}

func (m *LogMailer) Send(_ context.Context, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail[msg.To] {
		return "", fmt.Errorf("mail delivery: refused for %s", msg.To)
	}
	m.Sent = append(m.Sent, msg)
	m.next++
	return fmt.Sprintf("local-%d", m.next), nil
}

// Package tavus is a minimal client for the Tavus conversational-AI HTTP
// API: conversation create/end plus a health probe. All requests are JSON
// and authenticated with a per-request API-key header.
package tavus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Lobster444/brevedu/internal/errs"
)

const apiKeyHeader = "x-api-key"

// CreateConversationRequest is the payload for POST /v2/conversations.
type CreateConversationRequest struct {
	ReplicaID             string `json:"replica_id"`
	PersonaID             string `json:"persona_id"`
	ConversationName      string `json:"conversation_name,omitempty"`
	ConversationalContext string `json:"conversational_context,omitempty"`
	CallbackURL           string `json:"callback_url,omitempty"`
}

// Conversation is the provider's record of a created conversation.
type Conversation struct {
	ConversationID  string `json:"conversation_id"`
	ConversationURL string `json:"conversation_url"`
	Status          string `json:"status"`
}

// Client talks to the Tavus API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the given base URL and API key. A nil
// httpClient uses http.DefaultClient; callers control deadlines through the
// request context.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// CreateConversation starts a new conversation with the provider.
func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v2/conversations", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp, "create conversation")
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &conv, nil
}

// EndConversation ends a conversation. A 404 or 409 response means the
// conversation is already in a terminal state and is treated as success.
func (c *Client) EndConversation(ctx context.Context, conversationID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v2/conversations/"+conversationID+"/end", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusConflict:
		// Already ended or never existed: idempotent terminal state.
		return nil
	default:
		return apiError(resp, "end conversation")
	}
}

// Health probes GET /v2/health.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v2/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp, "health probe")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Timeout("%s %s", method, path).WithCause(err)
		}
		return nil, errs.Network("%s %s", method, path).WithCause(err)
	}
	return resp, nil
}

func apiError(resp *http.Response, op string) error {
	msg := op
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Message != "":
			msg = op + ": " + payload.Message
		case payload.Error != "":
			msg = op + ": " + payload.Error
		}
	} else if s := strings.TrimSpace(string(raw)); s != "" {
		msg = op + ": " + s
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return errs.Limit("%s", msg).WithDetail("status", resp.StatusCode)
	}
	return errs.API(resp.StatusCode, "%s", msg)
}

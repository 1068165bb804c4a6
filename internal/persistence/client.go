// Package persistence is the HTTP client for the message store API.
package persistence

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

	"github.com/ReilBleem13/ShopChat/internal/domain"
)

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RealtimeToken is a short-lived credential for the realtime gateway.
type RealtimeToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fetch returns the full history of a conversation in server order.
func (c *Client) Fetch(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out listMessagesResponse
	if err := c.do(ctx, http.MethodGet, messagesPath(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send stores a message and returns it with its server id and creation time.
func (c *Client) Send(ctx context.Context, conversationID, content string) (domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, http.MethodPost, messagesPath(conversationID), sendMessageRequest{Content: content}, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.do(ctx, http.MethodPost, messagesPath(conversationID)+"/read", markReadRequest{MessageIDs: messageIDs}, nil)
}

func (c *Client) RealtimeToken(ctx context.Context) (RealtimeToken, error) {
	var out RealtimeToken
	err := c.do(ctx, http.MethodPost, "/realtime/token", nil, &out)
	return out, err
}

func messagesPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return c.decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error.Code == "" {
		c.logger.Warn("Unexpected error response", "status", resp.StatusCode, "url", resp.Request.URL.String())
		return &domain.AppError{
			Code:    domain.ErrInternalServerError.Code,
			Message: fmt.Sprintf("Unexpected status %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &domain.AppError{
		Code:    er.Error.Code,
		Message: er.Error.Message,
		Status:  resp.StatusCode,
	}
}

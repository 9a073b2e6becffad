// Package restclient talks to the platform REST API for chat history, chat
// snapshots and assignments.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/bizdash-realtime/internal/middleware"
	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// ErrUnauthorized is returned when the API rejects the configured token.
var ErrUnauthorized = errors.New("rest api rejected credentials")

// StatusError describes a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest api responded with status %d", e.Status)
	}
	return fmt.Sprintf("rest api responded with status %d: %s", e.Status, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Token    string
	TenantID string
	Timeout  time.Duration
}

// Client is a minimal JSON client for the platform API.
type Client struct {
	baseURL  string
	token    string
	tenantID string
	http     *http.Client
	logger   zerolog.Logger
	tracer   trace.Tracer
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// New constructs a client rooted at opts.BaseURL.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		tenantID: opts.TenantID,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "rest_client").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/bizdash-realtime/internal/restclient"),
	}
}

// LoadMessages fetches the history of a chat, newest first.
func (c *Client) LoadMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	if err := c.getJSON(ctx, "/chats/"+url.PathEscape(chatID)+"/messages", &messages); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// ListChats fetches the current chat snapshot.
func (c *Client) ListChats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.getJSON(ctx, "/chats", &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// MyAssignments fetches the chats assigned to the authenticated agent.
func (c *Client) MyAssignments(ctx context.Context) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := c.getJSON(ctx, "/assignments/me", &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	spanCtx, span := c.tracer.Start(ctx, "rest.get", trace.WithAttributes(attribute.String("http.route", path)))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if correlation := middleware.CorrelationIDFromContext(ctx); correlation != "" {
		req.Header.Set(middleware.CorrelationHeader, correlation)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("read %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		span.SetStatus(codes.Error, "unauthorized")
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Status: resp.StatusCode, Message: errorMessage(body)}
		span.SetStatus(codes.Error, statusErr.Error())
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("rest api request failed")
		return statusErr
	}

	if err := decodeBody(body, out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// decodeBody accepts both the {success,data,message} envelope and bare JSON.
func decodeBody(body []byte, out interface{}) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Success != nil {
			if !*env.Success {
				return fmt.Errorf("api reported failure: %s", env.Message)
			}
			if len(env.Data) == 0 || string(env.Data) == "null" {
				return nil
			}
			return json.Unmarshal(env.Data, out)
		}
	}

	return json.Unmarshal(trimmed, out)
}

func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return ""
}

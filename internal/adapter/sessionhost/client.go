// Package sessionhost implements the external session-runtime ports: an
// HTTP gateway client for production and an in-memory fake for tests and
// local development.
package sessionhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Client talks to the session-host gateway over its JSON HTTP API. It
// implements domain.SessionHost, domain.MessageSender and
// domain.ReactionModerator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a gateway client. timeout bounds each RPC.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) StartSession(ctx domain.Context, p domain.StartSessionParams) (string, error) {
	var out struct {
		RunID string `json:"runId"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/start", map[string]any{
		"sessionKey": p.SessionKey,
		"prompt":     p.Prompt,
		"timeoutMs":  p.TimeoutMs,
		"deliver":    p.Deliver,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("op=sessionhost.StartSession: %w", err)
	}
	return out.RunID, nil
}

func (c *Client) PatchSession(ctx domain.Context, sessionKey string, patch domain.SessionPatch) error {
	body := map[string]any{}
	if patch.Depth != nil {
		body["depth"] = *patch.Depth
	}
	if patch.Model != "" {
		body["model"] = patch.Model
	}
	if patch.ThinkingLevel != "" {
		body["thinkingLevel"] = patch.ThinkingLevel
	}
	err := c.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(sessionKey), body, nil)
	if err != nil {
		return fmt.Errorf("op=sessionhost.PatchSession: %w", err)
	}
	return nil
}

func (c *Client) SendToSession(ctx domain.Context, sessionKey, content string) error {
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionKey)+"/messages",
		map[string]any{"content": content}, nil)
	if err != nil {
		return fmt.Errorf("op=sessionhost.SendToSession: %w", err)
	}
	return nil
}

func (c *Client) FetchSessionHistory(ctx domain.Context, sessionKey string, limit int) ([]domain.SessionMessage, error) {
	var out struct {
		Messages []domain.SessionMessage `json:"messages"`
	}
	path := fmt.Sprintf("/v1/sessions/%s/history?limit=%d", url.PathEscape(sessionKey), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("op=sessionhost.FetchSessionHistory: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) SessionDepth(ctx domain.Context, sessionKey string) (int, error) {
	var out struct {
		Depth int `json:"depth"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionKey)+"/depth", nil, &out)
	if err != nil {
		return 0, fmt.Errorf("op=sessionhost.SessionDepth: %w", err)
	}
	return out.Depth, nil
}

func (c *Client) RegisterSubagentRun(ctx domain.Context, r domain.RunRegistration) error {
	err := c.do(ctx, http.MethodPost, "/v1/announce/register", map[string]any{
		"runId":               r.RunID,
		"childSessionKey":     r.ChildSessionKey,
		"requesterSessionKey": r.RequesterSessionKey,
		"requesterOrigin":     r.RequesterOrigin,
		"label":               r.Label,
	}, nil)
	if err != nil {
		return fmt.Errorf("op=sessionhost.RegisterSubagentRun: %w", err)
	}
	return nil
}

func (c *Client) Send(ctx domain.Context, channel, target, content, idempotencyKey string) (string, error) {
	var out struct {
		MessageID string `json:"messageId"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/messages", map[string]any{
		"channel":        channel,
		"target":         target,
		"content":        content,
		"idempotencyKey": idempotencyKey,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("op=sessionhost.Send: %w", err)
	}
	return out.MessageID, nil
}

func (c *Client) RemoveReaction(ctx domain.Context, channelID, messageID, emoji, userID string) error {
	path := fmt.Sprintf("/v1/messages/%s/reactions/%s/%s",
		url.PathEscape(messageID), url.PathEscape(emoji), url.PathEscape(userID))
	err := c.do(ctx, http.MethodDelete, path+"?channel="+url.QueryEscape(channelID), nil, nil)
	if err != nil {
		return fmt.Errorf("op=sessionhost.RemoveReaction: %w", err)
	}
	return nil
}

// do performs one JSON round-trip, retrying transient failures (network
// errors and 5xx) with short exponential backoff inside the call deadline.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("gateway %s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("gateway %s %s: %w", method, path, domain.ErrNotFound))
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, b))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.http.Timeout
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

var (
	_ domain.SessionHost       = (*Client)(nil)
	_ domain.MessageSender     = (*Client)(nil)
	_ domain.ReactionModerator = (*Client)(nil)
)

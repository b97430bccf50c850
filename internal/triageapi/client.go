package triageapi

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

// Client is a typed HTTP client for the triage API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("triage api: %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the server at baseURL. An empty token sends
// no Authorization header.
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 3 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

// Start opens or replays a session.
func (c *Client) Start(ctx context.Context, symptoms, sessionID string) (*SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/triage/start", StartRequest{Symptoms: symptoms, SessionID: sessionID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Answer replies to the pending question of a session.
func (c *Client) Answer(ctx context.Context, sessionID, answer string) (*SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/triage/answer", AnswerRequest{SessionID: sessionID, Answer: answer}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches a session snapshot.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/triage/session/"+url.PathEscape(sessionID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

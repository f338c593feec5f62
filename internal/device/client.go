// Package device talks to the Raspberry Pi control API.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"DEFECT_MONITOR/go-backend/internal/apperr"
)

const (
	requestTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

type Client struct {
	baseURL string
	http    *http.Client
}

// Response is the device's answer, passed back to the browser untouched.
type Response struct {
	Status int
	Body   json.RawMessage
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) Start(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/start")
}

func (c *Client) Stop(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/stop")
}

func (c *Client) post(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, apperr.Upstream("Invalid device API URL", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ngrok-skip-browser-warning", "true")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Upstream("Raspberry Pi is unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apperr.Upstream("Failed to read Raspberry Pi response", err)
	}

	body := json.RawMessage(raw)
	if !json.Valid(raw) {
		// non-JSON replies are wrapped so the browser always gets JSON
		wrapped, _ := json.Marshal(map[string]string{"message": strings.TrimSpace(string(raw))})
		body = wrapped
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &Response{Status: resp.StatusCode, Body: body},
			apperr.Upstream(fmt.Sprintf("Raspberry Pi returned %d", resp.StatusCode), nil)
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

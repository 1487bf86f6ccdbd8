package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client wraps HTTP requests for the CLI. Each service name (submit,
// judge) resolves to its own base URL so one session can talk to the
// intake API and a judge worker's admin surface at the same time.
type Client struct {
	bases   map[string]string
	timeout time.Duration
}

func New(bases map[string]string, timeout time.Duration) *Client {
	copied := make(map[string]string, len(bases))
	for service, base := range bases {
		copied[service] = base
	}
	return &Client{
		bases:   copied,
		timeout: timeout,
	}
}

func (c *Client) SetBaseURL(service, baseURL string) {
	c.bases[service] = baseURL
}

func (c *Client) BaseURL(service string) string {
	return c.bases[service]
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) Do(ctx context.Context, service, method, path string, headers map[string]string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo
	base, ok := c.bases[service]
	if !ok || base == "" {
		return info, fmt.Errorf("no base URL configured for service: %s", service)
	}
	client := &http.Client{Timeout: c.timeout}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", base, path), reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}

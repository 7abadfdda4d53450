package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/promptflow-go/graph"
)

// DefaultMaxBody caps the response body HTTPTool reads.
const DefaultMaxBody = 4 << 20

// ErrHTTPStatus is wrapped when the response status is not 2xx.
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// HTTPTool fetches a URL.
//
// Inputs:
//   - url: target URL (required)
//   - method: GET or POST, default GET
//   - headers: optional map of request headers
//   - body: optional request body
//
// Outputs:
//   - the response body under the body key ("body" unless WithBodyKey)
//   - status_code
//   - content_type
//
// Non-2xx responses fail with ErrHTTPStatus.
type HTTPTool struct {
	client  *http.Client
	bodyKey string
	maxBody int64
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = c }
}

// WithBodyKey sets the output key of the response body.
func WithBodyKey(key string) HTTPOption {
	return func(h *HTTPTool) { h.bodyKey = key }
}

// WithMaxBody caps the bytes read from the response body.
func WithMaxBody(n int64) HTTPOption {
	return func(h *HTTPTool) { h.maxBody = n }
}

// NewHTTPTool creates an HTTP tool. Timeouts come from the step context.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{client: &http.Client{}, bodyKey: "body", maxBody: DefaultMaxBody}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns "http".
func (h *HTTPTool) Name() string {
	return "http"
}

// Call performs the request described by input.
func (h *HTTPTool) Call(ctx context.Context, input graph.Values) (graph.Values, error) {
	url, ok := input["url"].(string)
	if !ok || url == "" {
		return nil, errors.New("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	var body io.Reader
	if s, ok := input["body"].(string); ok && s != "" {
		body = bytes.NewBufferString(s)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	switch headers := input["headers"].(type) {
	case map[string]string:
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	case map[string]any:
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	return graph.Values{
		h.bodyKey:      string(data),
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}, nil
}

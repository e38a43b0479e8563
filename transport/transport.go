// Package transport is the protocol HTTP client: base-URL request assembly,
// header merging, timeout layering, strict response validation, and the
// translation of HTTP failures into the protocol error taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// DefaultTimeout bounds a request when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Config configures a transport client.
type Config struct {
	// BaseURL is the provider's base URL. Required.
	BaseURL string

	// HTTPClient is the underlying client (optional).
	HTTPClient *http.Client

	// Timeout is the per-request timeout (optional, defaults to 30s).
	Timeout time.Duration

	// Headers are sent on every request (optional). Per-call headers
	// override them key by key.
	Headers map[string]string
}

// Client executes protocol exchanges against one provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	headers    map[string]string
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers map[string]string
	timeout time.Duration
}

// WithHeader adds or overrides one header for this request.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithTimeout overrides the client timeout for this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New creates a transport client. The base URL is validated up front so a
// bad configuration fails before any request is attempted.
func New(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, ivxp.NewMalformedURLError("transport requires a base URL")
	}
	if err := ivxp.ValidateEndpointURL(config.BaseURL); err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	headers := make(map[string]string, len(config.Headers))
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		headers:    headers,
	}, nil
}

// BaseURL returns the configured provider base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetJSON performs a GET against path and decodes the JSON response into
// out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON performs a POST with a JSON body and decodes the response into
// out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Do executes one protocol request. The caller's context is layered with
// the client timeout: external cancellation always wins, and the internal
// timer is released on every exit path. Responses outside 2xx come back as
// typed protocol errors; 2xx responses must carry a JSON content type or
// the body is never parsed.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	options := requestOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return ivxp.NewMalformedRequestError(fmt.Sprintf("unencodable request body: %v", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return ivxp.NewMalformedURLError(fmt.Sprintf("cannot build request for %s: %v", path, err))
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range options.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ivxp.NewServiceUnavailableError(fmt.Sprintf("request to %s timed out after %s", path, options.timeout), err)
		}
		return ivxp.NewServiceUnavailableError(fmt.Sprintf("request to %s failed", path), err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ivxp.NewServiceUnavailableError("failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ivxp.ErrorFromHTTPStatus(resp.StatusCode, decodeErrorBody(responseBody))
	}

	if !jsonContentType(resp.Header.Get("Content-Type")) {
		return ivxp.NewServiceUnavailableError(
			fmt.Sprintf("expected JSON from %s, got %q", path, resp.Header.Get("Content-Type")), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return ivxp.NewMalformedResponseError("response body", 1)
	}
	return nil
}

// jsonContentType accepts application/json and structured +json media
// types. An HTML error page on a 2xx must never reach the JSON decoder.
func jsonContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func decodeErrorBody(body []byte) *ivxp.ErrorBody {
	var eb ivxp.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	if eb.Code == "" && eb.Message == "" {
		return nil
	}
	return &eb
}

var _ ivxp.Transport = (*Client)(nil)

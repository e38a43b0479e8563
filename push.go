package ivxp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Push delivery defaults.
const (
	DefaultPushMaxRetries     = 3
	DefaultPushBackoffBase    = 1000 * time.Millisecond
	DefaultPushAttemptTimeout = 30 * time.Second
)

// PushOptions configures one delivery run.
type PushOptions struct {
	// MaxRetries is the total number of attempts. Zero or negative is a
	// configuration error: the run fails immediately with zero attempts.
	MaxRetries int

	// BackoffBase seeds the doubling wait between attempts.
	BackoffBase time.Duration

	// AttemptTimeout bounds each individual POST.
	AttemptTimeout time.Duration

	// OnRetry observes each failed attempt. It may not disturb the run:
	// panics are swallowed.
	OnRetry func(attempt, maxRetries int, reason string)
}

// DefaultPushOptions returns the stock retry policy.
func DefaultPushOptions() PushOptions {
	return PushOptions{
		MaxRetries:     DefaultPushMaxRetries,
		BackoffBase:    DefaultPushBackoffBase,
		AttemptTimeout: DefaultPushAttemptTimeout,
	}
}

// PushResult is the outcome of a delivery run. Deliver never returns an
// error: exhaustion, cancellation and misconfiguration all land here.
type PushResult struct {
	Success    bool
	Attempts   int
	StatusCode int
	LastError  string
}

// PushDeliverer posts deliverables to client-supplied endpoints.
type PushDeliverer struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// PushDelivererOption adjusts a PushDeliverer.
type PushDelivererOption func(*PushDeliverer)

// WithPushHTTPClient substitutes the HTTP client.
func WithPushHTTPClient(c *http.Client) PushDelivererOption {
	return func(p *PushDeliverer) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithPushLogger routes retry diagnostics to the given logger.
func WithPushLogger(log zerolog.Logger) PushDelivererOption {
	return func(p *PushDeliverer) {
		p.log = log
	}
}

// NewPushDeliverer returns a deliverer with the stock HTTP client.
func NewPushDeliverer(opts ...PushDelivererOption) *PushDeliverer {
	p := &PushDeliverer{
		httpClient: &http.Client{},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldAttemptPush reports whether an endpoint is eligible for push
// delivery at all: non-empty, parseable, and exactly http or https. Any
// other scheme sends the order straight to store-and-forward.
func ShouldAttemptPush(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	return u.Host != ""
}

// CheckEndpointAddress enforces the outbound address policy: loopback,
// RFC-1918/ULA private, link-local and unspecified targets are refused so a
// client-supplied endpoint cannot point the provider at its own internals.
// Hostnames are resolved and every returned address must pass.
func CheckEndpointAddress(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return NewMalformedURLError(fmt.Sprintf("unparseable endpoint: %v", err))
	}
	host := u.Hostname()
	if host == "" {
		return NewMalformedURLError("endpoint has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return NewMalformedURLError("endpoint resolves to a private address")
	}
	if ip := net.ParseIP(host); ip != nil {
		if privateIP(ip) {
			return NewMalformedURLError("endpoint resolves to a private address")
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return NewServiceUnavailableError(fmt.Sprintf("cannot resolve endpoint host %q", host), err)
	}
	for _, addr := range addrs {
		if privateIP(addr.IP) {
			return NewMalformedURLError("endpoint resolves to a private address")
		}
	}
	return nil
}

func privateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Deliver posts the payload to the endpoint, retrying with doubling
// backoff and ±20% jitter between attempts. The result is always a
// PushResult; the provider decides what a failure means for the order.
func (p *PushDeliverer) Deliver(ctx context.Context, endpoint string, payload *PushPayload, opts PushOptions) *PushResult {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultPushBackoffBase
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultPushAttemptTimeout
	}
	if opts.MaxRetries <= 0 {
		return &PushResult{
			Attempts:  0,
			LastError: fmt.Sprintf("maxRetries must be positive, got %d", opts.MaxRetries),
		}
	}
	if !ShouldAttemptPush(endpoint) {
		return &PushResult{
			Attempts:  0,
			LastError: fmt.Sprintf("endpoint %q is not an http(s) URL", endpoint),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &PushResult{Attempts: 0, LastError: fmt.Sprintf("unencodable push payload: %v", err)}
	}

	result := &PushResult{}
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		result.Attempts = attempt

		status, attemptErr := p.attempt(ctx, endpoint, body, opts.AttemptTimeout)
		if attemptErr == nil && status >= 200 && status <= 299 {
			result.Success = true
			result.StatusCode = status
			result.LastError = ""
			return result
		}
		if attemptErr != nil {
			result.LastError = attemptErr.Error()
		} else {
			result.StatusCode = status
			result.LastError = fmt.Sprintf("endpoint returned status %d", status)
		}

		p.log.Debug().
			Str("order_id", payload.OrderID).
			Int("attempt", attempt).
			Int("max_retries", opts.MaxRetries).
			Str("reason", result.LastError).
			Msg("push attempt failed")
		p.notifyRetry(opts.OnRetry, attempt, opts.MaxRetries, result.LastError)

		if ctx.Err() != nil {
			result.LastError = ctx.Err().Error()
			return result
		}
		if attempt == opts.MaxRetries {
			break
		}

		timer := time.NewTimer(pushBackoff(opts.BackoffBase, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err().Error()
			return result
		case <-timer.C:
		}
	}
	return result
}

func (p *PushDeliverer) attempt(ctx context.Context, endpoint string, body []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// notifyRetry shields the run from observer misbehavior.
func (p *PushDeliverer) notifyRetry(onRetry func(int, int, string), attempt, maxRetries int, reason string) {
	if onRetry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn().Interface("panic", r).Msg("push retry observer panicked")
		}
	}()
	onRetry(attempt, maxRetries, reason)
}

// pushBackoff doubles from base per attempt with ±20% jitter.
func pushBackoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

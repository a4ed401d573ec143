// Package adapter provides the HTTP clients for the external indexing and rank-data APIs.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/indexnow-engine/internal/circuitbreaker"
	apperrors "github.com/indexnow-engine/internal/errors"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 1 << 20
	maxErrorBodyLen       = 200
)

// ClientConfig holds the settings shared by the API clients
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration // per request, default 30s
	RequestsPerSecond float64       // <= 0 disables pacing
	Burst             int
	HTTPClient        *http.Client // optional, overrides Timeout

	// Consecutive transient failures (5xx, timeouts) that open the circuit. Default: 10.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// apiClient performs paced HTTP calls and maps failures onto the error taxonomy
type apiClient struct {
	provider string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
}

func newAPIClient(provider string, cfg *ClientConfig) (*apiClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base URL is required", provider)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			Name:                provider,
			ConsecutiveFailures: cfg.BreakerFailures,
			Cooldown:            cfg.BreakerCooldown,
			IsFailure:           apperrors.IsRetryable,
		}),
	}, nil
}

// do sends the request and returns the body of a 2xx response.
// Cancellation of ctx is returned as the context error itself.
func (c *apiClient) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewProviderUnreachableError(c.provider, err)
	}

	var body []byte
	err := c.breaker.Execute(func() error {
		var err error
		body, err = c.send(ctx, req)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, apperrors.NewProviderUnreachableError(c.provider, err)
	}
	return body, err
}

func (c *apiClient) send(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewProviderUnreachableError(c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.NewProviderUnreachableError(c.provider, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := errorSnippet(body)
	if resp.StatusCode == http.StatusTooManyRequests || looksLikeQuota(msg) {
		return nil, apperrors.NewProviderQuotaError(c.provider, msg)
	}
	return nil, apperrors.NewProviderError(c.provider, resp.StatusCode, msg)
}

func looksLikeQuota(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit exceeded")
}

// errorSnippet flattens a response body into a short single-line message that is
// valid UTF-8 and free of control characters, so it can be stored as TEXT as is.
func errorSnippet(body []byte) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, strings.ToValidUTF8(string(body), "\uFFFD"))

	msg := strings.Join(strings.Fields(clean), " ")
	if len(msg) > maxErrorBodyLen {
		cut := maxErrorBodyLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}

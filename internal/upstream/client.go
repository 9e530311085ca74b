// Package upstream implements the client side of the RFQ liquidity source:
// a REST client for pair listings and quoting, and a reconnecting WebSocket
// stream for server-pushed events.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	envelopeOK        = 10000
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	initialBackoff    = time.Second
)

// TokenProvider resolves the bearer token for a request. Static tokens wrap
// into StaticToken; refreshing providers fetch on demand.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken adapts a fixed token string into a TokenProvider.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL    string
	Auth       TokenProvider
	ChainID    int64
	Timeout    time.Duration
	MaxRetries int
	// RPS limits outbound request rate; zero disables limiting.
	RPS   float64
	Burst int
	// Observe, when set, receives the duration of every logical call,
	// retries included.
	Observe func(endpoint string, d time.Duration)
}

// Client is the stateless RFQ REST client. All calls carry bearer auth, an
// overall deadline, and the retry policy for transient failures only.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewClient builds a client with a circuit breaker over all endpoints plus
// a token-bucket call budget.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("upstream auth is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-rfq",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("upstream circuit state change")
		},
	})

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		limiter: limiter,
	}, nil
}

// ChainID returns the configured home chain.
func (c *Client) ChainID() int64 { return c.cfg.ChainID }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ListPairs returns the tradable pairs for a chain.
func (c *Client) ListPairs(ctx context.Context, chainID int64) ([]TradingPair, error) {
	endpoint := fmt.Sprintf("/v1/listing/pairs?chain_id=%d", chainID)
	var resp struct {
		Pairs []TradingPair `json:"pairs"`
	}
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}

// ListTokens returns the token catalogue for a chain.
func (c *Client) ListTokens(ctx context.Context, chainID int64) ([]Token, error) {
	endpoint := fmt.Sprintf("/v1/listing/tokens?chain_id=%d", chainID)
	var resp struct {
		Tokens []Token `json:"tokens"`
	}
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// Indicative requests a non-binding quote.
func (c *Client) Indicative(ctx context.Context, req IndicativeRequest) (*IndicativeQuote, error) {
	const endpoint = "/v1/quote/indicative"
	if !req.AmountIn.IsPositive() {
		return nil, validationErr(endpoint, "amount_in must be positive")
	}
	if req.TokenIn == "" || req.TokenOut == "" {
		return nil, validationErr(endpoint, "token_in and token_out are required")
	}
	var quote IndicativeQuote
	if err := c.call(ctx, http.MethodPost, endpoint, req, &quote); err != nil {
		return nil, err
	}
	if !quote.AmountIn.IsPositive() || !quote.AmountOut.IsPositive() {
		return nil, &Error{Kind: KindAPIError, Endpoint: endpoint, Body: "non-positive amounts in indicative quote"}
	}
	if quote.ObservedAt.IsZero() {
		quote.ObservedAt = time.Now().UTC()
	}
	return &quote, nil
}

// Firm requests a binding quote with reserved liquidity.
func (c *Client) Firm(ctx context.Context, req FirmRequest) (*FirmQuote, error) {
	const endpoint = "/v1/quote/firm"
	if !req.AmountIn.IsPositive() {
		return nil, validationErr(endpoint, "amount_in must be positive")
	}
	if req.FromAddr == "" || req.ToAddr == "" {
		return nil, validationErr(endpoint, "from and to addresses are required")
	}
	var quote FirmQuote
	if err := c.call(ctx, http.MethodPost, endpoint, req, &quote); err != nil {
		return nil, err
	}
	if !quote.Deadline.After(time.Now()) {
		return nil, &Error{Kind: KindExpired, Endpoint: endpoint, Body: "firm quote deadline already passed"}
	}
	return &quote, nil
}

// call runs one logical request with retries. Backoff starts at 1s and
// doubles; only network errors, timeouts, and HTTP 5xx/429 are retried.
func (c *Client) call(ctx context.Context, method, endpoint string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.cfg.Observe != nil {
		start := time.Now()
		defer func() { c.cfg.Observe(endpoint, time.Since(start)) }()
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		lastErr = c.doOnce(ctx, method, endpoint, body, out)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		log.Warn().Err(lastErr).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("upstream call failed, retrying")
		select {
		case <-ctx.Done():
			return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doHTTP(ctx, method, endpoint, body, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &Error{Kind: KindTransient, Endpoint: endpoint, Err: err}
	}
	return err
}

func (c *Client) doHTTP(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return validationErr(endpoint, err.Error())
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return validationErr(endpoint, err.Error())
	}
	token, err := c.cfg.Auth(ctx)
	if err != nil {
		return &Error{Kind: KindTransient, Endpoint: endpoint, Err: fmt.Errorf("auth token resolve: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: ctx.Err()}
		}
		return &Error{Kind: KindTransient, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Kind: KindTransient, Endpoint: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindTransient, Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(raw)}
	case resp.StatusCode >= 400:
		return &Error{Kind: KindPermanent, Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindAPIError, Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(raw), Err: err}
	}
	if env.Code != envelopeOK {
		return &Error{Kind: KindAPIError, Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(raw)}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Kind: KindAPIError, Endpoint: endpoint, Body: truncate(raw), Err: err}
		}
	}
	return nil
}

func truncate(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

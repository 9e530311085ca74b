// Package splitrouter searches for the trade split between the upstream RFQ
// source and an alternate AMM venue that maximises net output after gas.
package splitrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// PoolVersion selects an AMM pool generation.
type PoolVersion string

const (
	PoolV2 PoolVersion = "v2"
	PoolV3 PoolVersion = "v3"
)

// AMMQuote is a swap estimate from one pool generation.
type AMMQuote struct {
	Pool      PoolVersion     `json:"pool"`
	TokenIn   string          `json:"token_in"`
	TokenOut  string          `json:"token_out"`
	AmountIn  upstream.Amount `json:"amount_in"`
	AmountOut upstream.Amount `json:"amount_out"`
	GasUnits  uint64          `json:"gas_units"`
}

// SwapRequest parameterises AMM.Swap.
type SwapRequest struct {
	TokenIn   string          `json:"token_in"`
	TokenOut  string          `json:"token_out"`
	AmountIn  upstream.Amount `json:"amount_in"`
	MinOut    upstream.Amount `json:"min_out"`
	Recipient string          `json:"recipient"`
	Deadline  time.Time       `json:"deadline"`
}

// SwapResult is a completed AMM swap.
type SwapResult struct {
	TxHash    string          `json:"tx_hash"`
	AmountOut upstream.Amount `json:"amount_out"`
}

// AMM is the alternate venue capability.
type AMM interface {
	// BestQuote returns the better of the v2 and v3 estimates.
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn upstream.Amount) (*AMMQuote, error)
	// NativeRate returns how many token units one native unit buys,
	// used to price gas in output token terms. Zero means unknown.
	NativeRate(ctx context.Context, token string) (decimal.Decimal, error)
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// RESTAMMConfig configures the HTTP AMM gateway client.
type RESTAMMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Fallback gas estimates when the gateway omits them.
const (
	defaultGasV2 = 120_000
	defaultGasV3 = 150_000
)

// RESTAMM quotes and swaps through an AMM gateway service.
type RESTAMM struct {
	cfg    RESTAMMConfig
	client *http.Client
}

// NewRESTAMM builds the gateway client.
func NewRESTAMM(cfg RESTAMMConfig) *RESTAMM {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTAMM{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// BestQuote asks both pool generations and keeps the larger output. One
// failing generation is tolerated; both failing is an error.
func (a *RESTAMM) BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn upstream.Amount) (*AMMQuote, error) {
	var best *AMMQuote
	var lastErr error
	for _, pool := range []PoolVersion{PoolV2, PoolV3} {
		q, err := a.quote(ctx, pool, tokenIn, tokenOut, amountIn)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || (q.AmountOut.Int != nil && best.AmountOut.Int != nil && q.AmountOut.Cmp(best.AmountOut.Int) > 0) {
			best = q
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no amm pool quoted %s->%s: %w", tokenIn, tokenOut, lastErr)
	}
	return best, nil
}

func (a *RESTAMM) quote(ctx context.Context, pool PoolVersion, tokenIn, tokenOut string, amountIn upstream.Amount) (*AMMQuote, error) {
	var out AMMQuote
	err := a.do(ctx, http.MethodPost, "/v1/quote", map[string]interface{}{
		"pool":      string(pool),
		"token_in":  tokenIn,
		"token_out": tokenOut,
		"amount_in": amountIn,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Pool = pool
	if out.GasUnits == 0 {
		if pool == PoolV2 {
			out.GasUnits = defaultGasV2
		} else {
			out.GasUnits = defaultGasV3
		}
	}
	return &out, nil
}

// NativeRate fetches the token/native conversion rate.
func (a *RESTAMM) NativeRate(ctx context.Context, token string) (decimal.Decimal, error) {
	var out struct {
		Rate string `json:"rate"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/native-rate/"+token, nil, &out); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(out.Rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("native rate %q unparseable: %w", out.Rate, err)
	}
	return rate, nil
}

// Swap submits the swap through the gateway.
func (a *RESTAMM) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	var out SwapResult
	if err := a.do(ctx, http.MethodPost, "/v1/swap", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *RESTAMM) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

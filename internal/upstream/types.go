package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Amount is an exact integer in the token's smallest unit. The upstream wire
// format carries amounts as decimal strings.
type Amount struct {
	*big.Int
}

// NewAmount wraps a big integer; nil becomes zero.
func NewAmount(v *big.Int) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{Int: v}
}

// ParseAmount parses a base-10 amount string.
func ParseAmount(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return Amount{Int: v}, nil
}

// MustAmount parses a base-10 amount string, panicking on malformed input.
// Intended for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Int == nil {
		return []byte(`"0"`), nil
	}
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Some endpoints return bare numbers for small amounts.
		s = strings.Trim(string(data), `"`)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	a.Int = parsed.Int
	return nil
}

// IsPositive reports amount > 0.
func (a Amount) IsPositive() bool {
	return a.Int != nil && a.Sign() > 0
}

// Token describes one tradable asset on a chain.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	ChainID  int64  `json:"chain_id"`
}

// TradingPair is a tradable pair as listed by the upstream source.
type TradingPair struct {
	ID         string `json:"pair_id"`
	BaseToken  Token  `json:"base_token"`
	QuoteToken Token  `json:"quote_token"`
	ChainID    int64  `json:"chain_id"`
	Active     bool   `json:"active"`
}

// Side of an indicative request relative to the src token.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// IndicativeQuote is a non-binding price estimate.
type IndicativeQuote struct {
	SrcToken   string        `json:"token_in"`
	DstToken   string        `json:"token_out"`
	AmountIn   Amount        `json:"amount_in"`
	AmountOut  Amount        `json:"amount_out"`
	Price      string        `json:"price"`
	ObservedAt time.Time     `json:"observed_at"`
	ValidFor   time.Duration `json:"valid_for"`
}

// FirmQuote is a binding quote; the upstream holds liquidity reserved until
// Deadline.
type FirmQuote struct {
	QuoteID    string    `json:"quote_id"`
	SrcChainID int64     `json:"src_chain_id"`
	DstChainID int64     `json:"dst_chain_id"`
	FromAddr   string    `json:"from_address"`
	ToAddr     string    `json:"to_address"`
	SrcToken   string    `json:"token_in"`
	DstToken   string    `json:"token_out"`
	AmountIn   Amount    `json:"amount_in"`
	AmountOut  Amount    `json:"amount_out"`
	FeeRateBps int       `json:"fee_rate_bps"`
	FeeAmount  Amount    `json:"fee_amount"`
	RouterAddr string    `json:"router_address"`
	Calldata   string    `json:"calldata"`
	Deadline   time.Time `json:"deadline"`
}

// IndicativeRequest parameterises Client.Indicative.
type IndicativeRequest struct {
	SrcChainID int64  `json:"src_chain_id"`
	DstChainID int64  `json:"dst_chain_id"`
	TokenIn    string `json:"token_in"`
	TokenOut   string `json:"token_out"`
	AmountIn   Amount `json:"amount_in"`
	Side       Side   `json:"side,omitempty"`
}

// FirmRequest parameterises Client.Firm.
type FirmRequest struct {
	FromAddr      string  `json:"from_address"`
	ToAddr        string  `json:"to_address"`
	SrcChainID    int64   `json:"src_chain_id"`
	DstChainID    int64   `json:"dst_chain_id"`
	TokenIn       string  `json:"token_in"`
	TokenOut      string  `json:"token_out"`
	AmountIn      Amount  `json:"amount_in"`
	Slippage      float64 `json:"slippage"`
	ExpiryTimeSec int64   `json:"expiry_time_sec"`
}

// Quoter is the read-side capability most components depend on. *Client
// satisfies it; tests substitute fakes.
type Quoter interface {
	Indicative(ctx context.Context, req IndicativeRequest) (*IndicativeQuote, error)
}

// Package lifecycle owns every in-flight quote's state machine, the trades
// created from accepted quotes, and the expiry timers that bound quote
// validity.
package lifecycle

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// State of a quote.
type State string

const (
	StatePending   State = "pending"
	StateQuoted    State = "quoted"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateExecuted  State = "executed"
	StateSettled   State = "settled"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// allowedTransitions encodes the guarded state machine. Any transition not
// listed fails with ErrInvalidState.
var allowedTransitions = map[State][]State{
	StatePending:  {StateQuoted, StateRejected},
	StateQuoted:   {StateAccepted, StateRejected, StateExpired, StateCancelled},
	StateAccepted: {StateExecuted, StateFailed},
	StateExecuted: {StateSettled, StateFailed},
}

// Terminal reports whether no transition leads out of the state.
func (s State) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

func (s State) canTransition(to State) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Side of the counterparty's request: buy means the counterparty buys the
// base token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SettlementState of a trade.
type SettlementState string

const (
	SettlementPending  SettlementState = "pending"
	SettlementSettling SettlementState = "settling"
	SettlementSettled  SettlementState = "settled"
	SettlementFailed   SettlementState = "failed"
)

// Quote is the lifecycle entity shared by every venue.
type Quote struct {
	QuoteID        string                    `json:"quote_id"`
	RequestID      string                    `json:"request_id"`
	CounterpartyID string                    `json:"counterparty_id"`
	State          State                     `json:"state"`
	Indicative     *upstream.IndicativeQuote `json:"indicative,omitempty"`
	Firm           *upstream.FirmQuote       `json:"firm,omitempty"`
	BaseToken      upstream.Token            `json:"base_token"`
	QuoteToken     upstream.Token            `json:"quote_token"`
	Side           Side                      `json:"side"`
	Quantity       upstream.Amount           `json:"quantity"`
	Price          decimal.Decimal           `json:"price"`
	Notional       decimal.Decimal           `json:"notional"`
	Fee            upstream.Amount           `json:"fee"`
	ExpiresAt      time.Time                 `json:"expires_at"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// Trade is created exactly once, on the Accepted -> Executed transition.
type Trade struct {
	TradeID        string          `json:"trade_id"`
	QuoteID        string          `json:"quote_id"`
	RequestID      string          `json:"request_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       upstream.Amount `json:"quantity"`
	Notional       decimal.Decimal `json:"notional"`
	Fee            upstream.Amount `json:"fee"`
	ExecutedAt     time.Time       `json:"executed_at"`
	Settlement     SettlementState `json:"settlement_state"`
	TxHash         string          `json:"tx_hash,omitempty"`
	ChainID        int64           `json:"chain_id,omitempty"`
}

// Counterparty describes one RFQ taker and its commercial terms.
type Counterparty struct {
	ID     string `yaml:"id"`
	Active bool   `yaml:"active"`
	// FeeRateBps overrides the engine default when >= 0.
	FeeRateBps int `yaml:"fee_rate_bps"`
	// Pairs enables specific pair ids; empty enables all.
	Pairs []string `yaml:"pairs"`
	// OnChain selects on-chain settlement via firm quotes.
	OnChain bool `yaml:"on_chain"`
	// SettleAddr receives on-chain settlement proceeds.
	SettleAddr string `yaml:"settle_addr"`
}

func (c Counterparty) pairEnabled(pairID string) bool {
	if len(c.Pairs) == 0 {
		return true
	}
	for _, p := range c.Pairs {
		if p == pairID {
			return true
		}
	}
	return false
}

// Engine errors.
var (
	ErrUnknownQuote        = errors.New("unknown quote")
	ErrUnknownTrade        = errors.New("unknown trade")
	ErrUnknownCounterparty = errors.New("unknown or inactive counterparty")
	ErrPairDisabled        = errors.New("pair not enabled for counterparty")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrQuoteExpired        = errors.New("quote expired")
)

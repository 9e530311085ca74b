// Package bridge mirrors upstream RFQ prices onto a downstream order book.
// A reconciliation loop keeps one resting limit order per configured mapping
// in sync with the upstream mid, bounded by a global order budget and a
// price-deviation threshold.
package bridge

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// OrderState of a bridge order.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderPlaced    OrderState = "placed"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderError     OrderState = "error"
)

// live reports whether the order counts against the order budget.
func (s OrderState) live() bool {
	return s == OrderPending || s == OrderPlaced
}

// OrderSide on the downstream venue.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Mapping ties one upstream pair to one downstream ticker and side.
type Mapping struct {
	PairID     string          `yaml:"pair_id"`
	BaseToken  upstream.Token  `yaml:"-"`
	QuoteToken upstream.Token  `yaml:"-"`
	Ticker     string          `yaml:"ticker"`
	Side       OrderSide       `yaml:"side"`
	Size       decimal.Decimal `yaml:"size"`
}

// key identifies a mapping; one live order per key.
func (m Mapping) key() string { return m.Ticker + "|" + string(m.Side) }

// BridgeOrder is the bridge's view of one downstream limit order.
type BridgeOrder struct {
	BridgeID     string          `json:"bridge_id"`
	Ticker       string          `json:"ticker"`
	Side         OrderSide       `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	SourcePrice  decimal.Decimal `json:"source_price"`
	DownstreamID string          `json:"downstream_id,omitempty"`
	State        OrderState      `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// FilledEvent is published on bridge:filled.
type FilledEvent struct {
	BridgeID string
	Ticker   string
	Side     OrderSide
	Price    decimal.Decimal
	Size     decimal.Decimal
}

// ErrorEvent is published on bridge:error.
type ErrorEvent struct {
	BridgeID string
	Ticker   string
	Err      error
}

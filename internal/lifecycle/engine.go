package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/audit"
	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/journal"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// UpstreamQuoter is the slice of the upstream client the engine needs.
type UpstreamQuoter interface {
	Indicative(ctx context.Context, req upstream.IndicativeRequest) (*upstream.IndicativeQuote, error)
	Firm(ctx context.Context, req upstream.FirmRequest) (*upstream.FirmQuote, error)
}

// Config for the engine.
type Config struct {
	DefaultValidity   time.Duration
	DefaultFeeRateBps int
	ChainID           int64
	// FromAddr funds on-chain settlement firm quotes.
	FromAddr string
}

// SubmitRequest parameterises Engine.Submit.
type SubmitRequest struct {
	RequestID      string
	CounterpartyID string
	PairID         string
	BaseToken      upstream.Token
	QuoteToken     upstream.Token
	Side           Side
	Quantity       upstream.Amount
	SourceIP       string
}

// Event is published on bus topic quote:event for every state change.
type Event struct {
	QuoteID   string
	RequestID string
	From      State
	To        State
}

// Engine owns all Quote and Trade records. Transitions for one quote id are
// serialised on a per-record lock; distinct quotes proceed independently.
type Engine struct {
	cfg      Config
	quoter   UpstreamQuoter
	trail    *audit.Trail
	events   *bus.Bus

	cpMu           sync.RWMutex
	counterparties map[string]Counterparty

	mu        sync.RWMutex
	quotes    map[string]*quoteRecord
	byRequest map[string]string
	trades    map[string]*Trade
}

type quoteRecord struct {
	mu    sync.Mutex
	quote Quote
	timer *time.Timer
}

// NewEngine creates an engine. Validity defaults to 30s, fee to 0 bps.
func NewEngine(cfg Config, quoter UpstreamQuoter, trail *audit.Trail, events *bus.Bus) *Engine {
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = 30 * time.Second
	}
	return &Engine{
		cfg:            cfg,
		quoter:         quoter,
		trail:          trail,
		events:         events,
		counterparties: make(map[string]Counterparty),
		quotes:         make(map[string]*quoteRecord),
		byRequest:      make(map[string]string),
		trades:         make(map[string]*Trade),
	}
}

// RegisterCounterparty adds or replaces a counterparty.
func (e *Engine) RegisterCounterparty(cp Counterparty) {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	e.counterparties[cp.ID] = cp
}

func (e *Engine) counterparty(id string) (Counterparty, bool) {
	e.cpMu.RLock()
	defer e.cpMu.RUnlock()
	cp, ok := e.counterparties[id]
	return cp, ok
}

// Submit validates the request, obtains an indicative quote, and opens a new
// lifecycle in state Quoted with a scheduled expiry.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Quote, error) {
	cp, ok := e.counterparty(req.CounterpartyID)
	if !ok || !cp.Active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCounterparty, req.CounterpartyID)
	}
	if req.PairID != "" && !cp.pairEnabled(req.PairID) {
		return nil, fmt.Errorf("%w: %s for %s", ErrPairDisabled, req.PairID, req.CounterpartyID)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive")
	}

	e.trail.Record(ctx, audit.EventRFQReceived,
		fmt.Sprintf("rfq from %s for %s/%s", req.CounterpartyID, req.BaseToken.Symbol, req.QuoteToken.Symbol),
		journal.RelatedIDs{RequestID: req.RequestID, CounterpartyID: req.CounterpartyID},
		journal.SeverityInfo)

	// A buy of base sells quote into base; request upstream accordingly.
	tokenIn, tokenOut := req.BaseToken, req.QuoteToken
	if req.Side == SideBuy {
		tokenIn, tokenOut = req.QuoteToken, req.BaseToken
	}

	indicative, err := e.quoter.Indicative(ctx, upstream.IndicativeRequest{
		SrcChainID: e.cfg.ChainID,
		DstChainID: e.cfg.ChainID,
		TokenIn:    tokenIn.Address,
		TokenOut:   tokenOut.Address,
		AmountIn:   req.Quantity,
		Side:       upstream.SideSell,
	})
	if err != nil {
		e.trail.Record(ctx, audit.EventQuoteRejected,
			fmt.Sprintf("upstream indicative failed: %v", err),
			journal.RelatedIDs{RequestID: req.RequestID, CounterpartyID: req.CounterpartyID},
			journal.SeverityWarning)
		return nil, err
	}

	price, err := decimal.NewFromString(indicative.Price)
	if err != nil {
		return nil, fmt.Errorf("upstream price %q unparseable: %w", indicative.Price, err)
	}

	feeBps := e.cfg.DefaultFeeRateBps
	if cp.FeeRateBps >= 0 {
		feeBps = cp.FeeRateBps
	}
	fee := feeAmount(indicative.AmountOut, feeBps)

	now := time.Now()
	quote := Quote{
		QuoteID:        uuid.NewString(),
		RequestID:      req.RequestID,
		CounterpartyID: req.CounterpartyID,
		State:          StateQuoted,
		Indicative:     indicative,
		BaseToken:      req.BaseToken,
		QuoteToken:     req.QuoteToken,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          price,
		Notional:       notional(price, req.Quantity, req.BaseToken.Decimals),
		Fee:            fee,
		ExpiresAt:      now.Add(e.cfg.DefaultValidity),
		CreatedAt:      now,
	}

	record := &quoteRecord{quote: quote}
	record.timer = time.AfterFunc(e.cfg.DefaultValidity, func() {
		e.expire(quote.QuoteID)
	})

	e.mu.Lock()
	e.quotes[quote.QuoteID] = record
	e.byRequest[quote.RequestID] = quote.QuoteID
	e.mu.Unlock()

	e.trail.RecordData(ctx, audit.EventQuoteGenerated,
		fmt.Sprintf("quote %s at %s, valid %s", quote.QuoteID, indicative.Price, e.cfg.DefaultValidity),
		journal.RelatedIDs{RequestID: req.RequestID, QuoteID: quote.QuoteID, CounterpartyID: req.CounterpartyID},
		journal.SeverityInfo,
		map[string]interface{}{"price": indicative.Price, "fee_bps": feeBps})

	snapshot := record.quote
	return &snapshot, nil
}

// Accept moves a quoted RFQ through Accepted into Executed, obtaining a firm
// quote for on-chain counterparties, and creates the Trade.
func (e *Engine) Accept(ctx context.Context, quoteID string) (*Trade, error) {
	record, err := e.record(quoteID)
	if err != nil {
		return nil, err
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	q := &record.quote
	if q.State != StateQuoted {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, quoteID, q.State)
	}
	if time.Now().After(q.ExpiresAt) {
		e.transitionLocked(ctx, record, StateExpired, audit.EventQuoteExpired, "accepted after expiry")
		return nil, fmt.Errorf("%w: %s", ErrQuoteExpired, quoteID)
	}

	e.transitionLocked(ctx, record, StateAccepted, audit.EventQuoteAccepted, "counterparty accepted")

	cp, _ := e.counterparty(q.CounterpartyID)
	if cp.OnChain {
		firm, err := e.firmQuote(ctx, q, cp)
		if err != nil {
			e.transitionLocked(ctx, record, StateFailed, audit.EventQuoteFailed,
				fmt.Sprintf("firm quote failed: %v", err))
			return nil, err
		}
		q.Firm = firm
	}

	e.transitionLocked(ctx, record, StateExecuted, audit.EventTradeExecuted, "trade executed")

	trade := &Trade{
		TradeID:        uuid.NewString(),
		QuoteID:        q.QuoteID,
		RequestID:      q.RequestID,
		CounterpartyID: q.CounterpartyID,
		Side:           q.Side,
		Price:          q.Price,
		Quantity:       q.Quantity,
		Notional:       q.Notional,
		Fee:            q.Fee,
		ExecutedAt:     time.Now(),
		Settlement:     SettlementPending,
		ChainID:        e.cfg.ChainID,
	}

	e.mu.Lock()
	e.trades[trade.TradeID] = trade
	e.mu.Unlock()

	e.trail.Record(ctx, audit.EventTradeExecuted,
		fmt.Sprintf("trade %s for quote %s", trade.TradeID, q.QuoteID),
		journal.RelatedIDs{RequestID: q.RequestID, QuoteID: q.QuoteID, TradeID: trade.TradeID, CounterpartyID: q.CounterpartyID},
		journal.SeverityInfo)

	snapshot := *trade
	return &snapshot, nil
}

func (e *Engine) firmQuote(ctx context.Context, q *Quote, cp Counterparty) (*upstream.FirmQuote, error) {
	tokenIn, tokenOut := q.BaseToken, q.QuoteToken
	if q.Side == SideBuy {
		tokenIn, tokenOut = q.QuoteToken, q.BaseToken
	}
	toAddr := cp.SettleAddr
	if toAddr == "" {
		toAddr = e.cfg.FromAddr
	}
	expiry := int64(time.Until(q.ExpiresAt).Seconds()) + 60
	return e.quoter.Firm(ctx, upstream.FirmRequest{
		FromAddr:      e.cfg.FromAddr,
		ToAddr:        toAddr,
		SrcChainID:    e.cfg.ChainID,
		DstChainID:    e.cfg.ChainID,
		TokenIn:       tokenIn.Address,
		TokenOut:      tokenOut.Address,
		AmountIn:      q.Quantity,
		Slippage:      0.5,
		ExpiryTimeSec: expiry,
	})
}

// Reject moves a quoted RFQ to Rejected.
func (e *Engine) Reject(ctx context.Context, quoteID, reason string) error {
	record, err := e.record(quoteID)
	if err != nil {
		return err
	}
	record.mu.Lock()
	defer record.mu.Unlock()

	if !record.quote.State.canTransition(StateRejected) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, quoteID, record.quote.State)
	}
	e.transitionLocked(ctx, record, StateRejected, audit.EventQuoteRejected, reason)
	return nil
}

// Cancel cancels the quote opened for a request id.
func (e *Engine) Cancel(ctx context.Context, requestID string) error {
	e.mu.RLock()
	quoteID, ok := e.byRequest[requestID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: request %s", ErrUnknownQuote, requestID)
	}

	record, err := e.record(quoteID)
	if err != nil {
		return err
	}
	record.mu.Lock()
	defer record.mu.Unlock()

	if !record.quote.State.canTransition(StateCancelled) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, quoteID, record.quote.State)
	}
	e.transitionLocked(ctx, record, StateCancelled, audit.EventQuoteCancelled, "cancelled by counterparty")
	return nil
}

// Settle finalises a trade's settlement and moves its quote to Settled.
func (e *Engine) Settle(ctx context.Context, tradeID, txHash string) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTrade, tradeID)
	}
	trade.Settlement = SettlementSettled
	trade.TxHash = txHash
	quoteID := trade.QuoteID
	e.mu.Unlock()

	record, err := e.record(quoteID)
	if err != nil {
		return err
	}
	record.mu.Lock()
	defer record.mu.Unlock()

	if !record.quote.State.canTransition(StateSettled) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, quoteID, record.quote.State)
	}
	e.transitionLocked(ctx, record, StateSettled, audit.EventTradeSettled,
		fmt.Sprintf("settled tx %s", txHash))
	return nil
}

// expire fires from the validity timer. Idempotent: a quote that already
// left Quoted is untouched.
func (e *Engine) expire(quoteID string) {
	record, err := e.record(quoteID)
	if err != nil {
		return
	}
	record.mu.Lock()
	defer record.mu.Unlock()

	if record.quote.State != StateQuoted {
		return
	}
	e.transitionLocked(context.Background(), record, StateExpired, audit.EventQuoteExpired, "validity elapsed")
}

// transitionLocked applies a state change; the record lock must be held.
func (e *Engine) transitionLocked(ctx context.Context, record *quoteRecord, to State, event, description string) {
	q := &record.quote
	from := q.State
	q.State = to

	if to != StateQuoted && record.timer != nil {
		record.timer.Stop()
	}

	log.Debug().
		Str("quote_id", q.QuoteID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("quote transition")

	// trade.executed is recorded by Accept with the trade id attached.
	if event != audit.EventTradeExecuted {
		e.trail.Record(ctx, event, description,
			journal.RelatedIDs{RequestID: q.RequestID, QuoteID: q.QuoteID, CounterpartyID: q.CounterpartyID},
			journal.SeverityInfo)
	}
	if e.events != nil {
		e.events.Publish(bus.TopicQuoteEvent, Event{
			QuoteID:   q.QuoteID,
			RequestID: q.RequestID,
			From:      from,
			To:        to,
		})
	}
}

func (e *Engine) record(quoteID string) (*quoteRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, ok := e.quotes[quoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, quoteID)
	}
	return record, nil
}

// Quote returns a snapshot of a quote.
func (e *Engine) Quote(quoteID string) (*Quote, error) {
	record, err := e.record(quoteID)
	if err != nil {
		return nil, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	snapshot := record.quote
	return &snapshot, nil
}

// QuoteByRequest returns the quote opened for a request id.
func (e *Engine) QuoteByRequest(requestID string) (*Quote, error) {
	e.mu.RLock()
	quoteID, ok := e.byRequest[requestID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrUnknownQuote, requestID)
	}
	return e.Quote(quoteID)
}

// Trade returns a snapshot of a trade.
func (e *Engine) Trade(tradeID string) (*Trade, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	trade, ok := e.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrade, tradeID)
	}
	snapshot := *trade
	return &snapshot, nil
}

// Counts reports quotes per state for the admin surface.
func (e *Engine) Counts() map[State]int {
	e.mu.RLock()
	records := make([]*quoteRecord, 0, len(e.quotes))
	for _, r := range e.quotes {
		records = append(records, r)
	}
	e.mu.RUnlock()

	counts := make(map[State]int)
	for _, r := range records {
		r.mu.Lock()
		counts[r.quote.State]++
		r.mu.Unlock()
	}
	return counts
}

func feeAmount(amountOut upstream.Amount, bps int) upstream.Amount {
	if amountOut.Int == nil || bps <= 0 {
		return upstream.NewAmount(nil)
	}
	fee := new(big.Int).Mul(amountOut.Int, big.NewInt(int64(bps)))
	fee.Quo(fee, big.NewInt(10000))
	return upstream.NewAmount(fee)
}

func notional(price decimal.Decimal, quantity upstream.Amount, decimals int) decimal.Decimal {
	if quantity.Int == nil {
		return decimal.Zero
	}
	qty := decimal.NewFromBigInt(quantity.Int, -int32(decimals))
	return price.Mul(qty)
}

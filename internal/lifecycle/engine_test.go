package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deluthium/liquidity-bridge/internal/audit"
	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/journal"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

type fakeQuoter struct {
	indicativeErr error
	firmErr       error
	price         string
	firmCalls     int
}

func (f *fakeQuoter) Indicative(_ context.Context, req upstream.IndicativeRequest) (*upstream.IndicativeQuote, error) {
	if f.indicativeErr != nil {
		return nil, f.indicativeErr
	}
	price := f.price
	if price == "" {
		price = "45000"
	}
	return &upstream.IndicativeQuote{
		SrcToken:   req.TokenIn,
		DstToken:   req.TokenOut,
		AmountIn:   req.AmountIn,
		AmountOut:  upstream.MustAmount("2000000000000000000"),
		Price:      price,
		ObservedAt: time.Now(),
		ValidFor:   30 * time.Second,
	}, nil
}

func (f *fakeQuoter) Firm(_ context.Context, req upstream.FirmRequest) (*upstream.FirmQuote, error) {
	f.firmCalls++
	if f.firmErr != nil {
		return nil, f.firmErr
	}
	return &upstream.FirmQuote{
		QuoteID:   "firm-1",
		AmountIn:  req.AmountIn,
		AmountOut: upstream.MustAmount("2000000000000000000"),
		Calldata:  "0xdeadbeef",
		Deadline:  time.Now().Add(time.Minute),
	}, nil
}

func testTokens() (upstream.Token, upstream.Token) {
	return upstream.Token{Address: "0xbase", Symbol: "BTC", Decimals: 18},
		upstream.Token{Address: "0xquote", Symbol: "USDT", Decimals: 6}
}

func newTestEngine(t *testing.T, quoter UpstreamQuoter, validity time.Duration) (*Engine, *journal.Memory) {
	t.Helper()
	mem := journal.NewMemory(1000, 0)
	trail := audit.New(mem, "test")
	eng := NewEngine(Config{
		DefaultValidity:   validity,
		DefaultFeeRateBps: 10,
		ChainID:           1,
		FromAddr:          "0xmaker",
	}, quoter, trail, bus.New())
	eng.RegisterCounterparty(Counterparty{ID: "CP1", Active: true, FeeRateBps: -1, OnChain: true, SettleAddr: "0xtaker"})
	eng.RegisterCounterparty(Counterparty{ID: "CP-OFF", Active: true, FeeRateBps: 25, Pairs: []string{"allowed-pair"}})
	return eng, mem
}

func submit(t *testing.T, eng *Engine, cp, reqID string) *Quote {
	t.Helper()
	base, quoteTok := testTokens()
	q, err := eng.Submit(context.Background(), SubmitRequest{
		RequestID:      reqID,
		CounterpartyID: cp,
		BaseToken:      base,
		QuoteToken:     quoteTok,
		Side:           SideSell,
		Quantity:       upstream.MustAmount("1000000000000000000"),
	})
	require.NoError(t, err)
	return q
}

func TestEngine_SubmitGeneratesQuote(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	q := submit(t, eng, "CP1", "REQ-001")

	assert.Equal(t, StateQuoted, q.State)
	assert.NotEmpty(t, q.QuoteID)
	assert.Equal(t, "45000", q.Price.String())
	assert.True(t, q.ExpiresAt.After(time.Now()))
	// default 10 bps on the out amount
	assert.Equal(t, "2000000000000000", q.Fee.String())
}

func TestEngine_SubmitUnknownCounterparty(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	base, quoteTok := testTokens()
	_, err := eng.Submit(context.Background(), SubmitRequest{
		RequestID:      "REQ-X",
		CounterpartyID: "NOBODY",
		BaseToken:      base,
		QuoteToken:     quoteTok,
		Side:           SideSell,
		Quantity:       upstream.MustAmount("1"),
	})
	assert.ErrorIs(t, err, ErrUnknownCounterparty)
}

func TestEngine_SubmitPairDisabled(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	base, quoteTok := testTokens()
	_, err := eng.Submit(context.Background(), SubmitRequest{
		RequestID:      "REQ-X",
		CounterpartyID: "CP-OFF",
		PairID:         "other-pair",
		BaseToken:      base,
		QuoteToken:     quoteTok,
		Side:           SideSell,
		Quantity:       upstream.MustAmount("1"),
	})
	assert.ErrorIs(t, err, ErrPairDisabled)
}

func TestEngine_AcceptExecutesAndCreatesTrade(t *testing.T) {
	quoter := &fakeQuoter{}
	eng, mem := newTestEngine(t, quoter, time.Minute)
	q := submit(t, eng, "CP1", "REQ-001")

	trade, err := eng.Accept(context.Background(), q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, q.QuoteID, trade.QuoteID)
	assert.Equal(t, SettlementPending, trade.Settlement)
	assert.Equal(t, 1, quoter.firmCalls, "on-chain counterparty needs a firm quote")

	got, err := eng.Quote(q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, got.State)
	require.NotNil(t, got.Firm)
	assert.Equal(t, "0xdeadbeef", got.Firm.Calldata)

	// Audit completeness: the four events in order, sharing the request id.
	entries, err := mem.Query(context.Background(), journal.Filter{RequestID: "REQ-001"})
	require.NoError(t, err)
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		audit.EventRFQReceived,
		audit.EventQuoteGenerated,
		audit.EventQuoteAccepted,
		audit.EventTradeExecuted,
	}, types)
}

func TestEngine_AcceptFirmFailureFails(t *testing.T) {
	quoter := &fakeQuoter{firmErr: errors.New("upstream down")}
	eng, _ := newTestEngine(t, quoter, time.Minute)
	q := submit(t, eng, "CP1", "REQ-001")

	_, err := eng.Accept(context.Background(), q.QuoteID)
	require.Error(t, err)

	got, err := eng.Quote(q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
}

func TestEngine_AcceptAfterExpiryExpires(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	q := submit(t, eng, "CP1", "REQ-001")

	// Force the deadline into the past without waiting for the timer.
	record, err := eng.record(q.QuoteID)
	require.NoError(t, err)
	record.mu.Lock()
	record.quote.ExpiresAt = time.Now().Add(-time.Second)
	record.mu.Unlock()

	_, err = eng.Accept(context.Background(), q.QuoteID)
	assert.ErrorIs(t, err, ErrQuoteExpired)

	got, err := eng.Quote(q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
}

func TestEngine_ExpiryTimerFires(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, 50*time.Millisecond)
	q := submit(t, eng, "CP1", "REQ-001")

	require.Eventually(t, func() bool {
		got, err := eng.Quote(q.QuoteID)
		return err == nil && got.State == StateExpired
	}, time.Second, 10*time.Millisecond, "quoted quote must expire at its deadline")
}

func TestEngine_ExpiryTimerIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, 50*time.Millisecond)
	q := submit(t, eng, "CP1", "REQ-001")

	_, err := eng.Accept(context.Background(), q.QuoteID)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	got, err := eng.Quote(q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, got.State, "timer must not touch quotes that left Quoted")
}

func TestEngine_TerminalStatesAreFinal(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	q := submit(t, eng, "CP1", "REQ-001")
	require.NoError(t, eng.Reject(context.Background(), q.QuoteID, "test"))

	assert.ErrorIs(t, eng.Reject(context.Background(), q.QuoteID, "again"), ErrInvalidState)
	assert.ErrorIs(t, eng.Cancel(context.Background(), "REQ-001"), ErrInvalidState)
	_, err := eng.Accept(context.Background(), q.QuoteID)
	assert.ErrorIs(t, err, ErrInvalidState)

	for _, s := range []State{StateRejected, StateExpired, StateSettled, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), "state %s must be terminal", s)
	}
}

func TestEngine_CancelByRequestID(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	submit(t, eng, "CP1", "REQ-777")

	require.NoError(t, eng.Cancel(context.Background(), "REQ-777"))
	got, err := eng.QuoteByRequest("REQ-777")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
}

func TestEngine_SettleTrade(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	q := submit(t, eng, "CP1", "REQ-001")
	trade, err := eng.Accept(context.Background(), q.QuoteID)
	require.NoError(t, err)

	require.NoError(t, eng.Settle(context.Background(), trade.TradeID, "0xabc123"))

	gotTrade, err := eng.Trade(trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, SettlementSettled, gotTrade.Settlement)
	assert.Equal(t, "0xabc123", gotTrade.TxHash)

	gotQuote, err := eng.Quote(q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, gotQuote.State)
}

func TestEngine_CounterpartyFeeOverride(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeQuoter{}, time.Minute)
	submit(t, eng, "CP-OFF", "REQ-FEE")

	// CP-OFF overrides to 25 bps on 2e18 out: 5e15.
	got, err := eng.QuoteByRequest("REQ-FEE")
	require.NoError(t, err)
	assert.Equal(t, "5000000000000000", got.Fee.String())
}

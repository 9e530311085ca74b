package fix

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deluthium/liquidity-bridge/internal/lifecycle"
	"github.com/deluthium/liquidity-bridge/internal/tokens"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

type fakeEngine struct {
	quotes   map[string]*lifecycle.Quote
	acceptErr error
	cancelled []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{quotes: make(map[string]*lifecycle.Quote)}
}

func (f *fakeEngine) Submit(_ context.Context, req lifecycle.SubmitRequest) (*lifecycle.Quote, error) {
	q := &lifecycle.Quote{
		QuoteID:        "q-" + req.RequestID,
		RequestID:      req.RequestID,
		CounterpartyID: req.CounterpartyID,
		State:          lifecycle.StateQuoted,
		BaseToken:      req.BaseToken,
		QuoteToken:     req.QuoteToken,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          decimal.RequireFromString("1845.20"),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(30 * time.Second),
	}
	f.quotes[q.QuoteID] = q
	return q, nil
}

func (f *fakeEngine) Accept(_ context.Context, quoteID string) (*lifecycle.Trade, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	q, ok := f.quotes[quoteID]
	if !ok {
		return nil, lifecycle.ErrUnknownQuote
	}
	return &lifecycle.Trade{
		TradeID:    "t-1",
		QuoteID:    q.QuoteID,
		RequestID:  q.RequestID,
		Side:       q.Side,
		Price:      q.Price,
		Quantity:   q.Quantity,
		ExecutedAt: time.Now(),
	}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, requestID string) error {
	f.cancelled = append(f.cancelled, requestID)
	return nil
}

func (f *fakeEngine) QuoteByRequest(requestID string) (*lifecycle.Quote, error) {
	for _, q := range f.quotes {
		if q.RequestID == requestID {
			return q, nil
		}
	}
	return nil, lifecycle.ErrUnknownQuote
}

func testRegistry() *tokens.Registry {
	r := tokens.NewRegistry(1)
	weth := upstream.Token{Address: "0xweth", Symbol: "WETH", Decimals: 18}
	usdc := upstream.Token{Address: "0xusdc", Symbol: "USDC", Decimals: 6}
	r.ReplaceTokens([]upstream.Token{weth, usdc})
	r.ReplacePairs([]upstream.TradingPair{{
		ID: "WETH-USDC", BaseToken: weth, QuoteToken: usdc, ChainID: 1, Active: true,
	}})
	return r
}

func appHarness(t *testing.T, engine QuoteEngine) *harness {
	t.Helper()
	h := newHarness(t, NewApp(engine, testRegistry()))
	h.logon(t)
	h.next(t)
	return h
}

func TestApp_QuoteRequestToExecution(t *testing.T) {
	engine := newFakeEngine()
	h := appHarness(t, engine)

	h.deliver(t, map[int]string{
		TagMsgType:    MsgTypeQuoteRequest,
		TagMsgSeqNum:  "2",
		TagQuoteReqID: "req-1",
		TagSymbol:     "WETH/USDC",
		TagSide:       SideSell,
		TagOrderQty:   "2.5",
	})

	quote := h.next(t)
	require.Equal(t, MsgTypeQuote, quote.MsgType())
	assert.Equal(t, "req-1", mustGet(t, quote, TagQuoteReqID))
	assert.Equal(t, "q-req-1", mustGet(t, quote, TagQuoteID))
	assert.Equal(t, "WETH/USDC", mustGet(t, quote, TagSymbol))
	assert.Equal(t, "1845.2", mustGet(t, quote, TagBidPx))
	_, hasOffer := quote.Get(TagOfferPx)
	assert.False(t, hasOffer, "a sell request gets only a bid")
	assert.Equal(t, QuoteTypeTradeable, mustGet(t, quote, TagQuoteType))
	_, err := ParseTime(mustGet(t, quote, TagValidUntilTime))
	assert.NoError(t, err)

	// Submitted quantity is scaled to base token units.
	q := engine.quotes["q-req-1"]
	require.NotNil(t, q)
	assert.Equal(t, "2500000000000000000", q.Quantity.String())

	h.deliver(t, map[int]string{
		TagMsgType:   MsgTypeNewOrderSingle,
		TagMsgSeqNum: "3",
		TagClOrdID:   "ord-1",
		TagQuoteID:   "q-req-1",
		TagSymbol:    "WETH/USDC",
		TagSide:      SideSell,
		TagOrderQty:  "2.5",
	})

	exec := h.next(t)
	require.Equal(t, MsgTypeExecutionReport, exec.MsgType())
	assert.Equal(t, "t-1", mustGet(t, exec, TagOrderID))
	assert.Equal(t, "ord-1", mustGet(t, exec, TagClOrdID))
	assert.Equal(t, OrdStatusFilled, mustGet(t, exec, TagOrdStatus))
	assert.Equal(t, ExecTypeTrade, mustGet(t, exec, TagExecType))
	assert.Equal(t, "1845.2", mustGet(t, exec, TagAvgPx))
	assert.Equal(t, "2.5", mustGet(t, exec, TagCumQty))
	assert.Equal(t, "0", mustGet(t, exec, TagLeavesQty))
}

func TestApp_BuySideGetsOffer(t *testing.T) {
	h := appHarness(t, newFakeEngine())

	h.deliver(t, map[int]string{
		TagMsgType:    MsgTypeQuoteRequest,
		TagMsgSeqNum:  "2",
		TagQuoteReqID: "req-2",
		TagSymbol:     "WETH/USDC",
		TagSide:       SideBuy,
		TagOrderQty:   "1",
	})

	quote := h.next(t)
	require.Equal(t, MsgTypeQuote, quote.MsgType())
	assert.Equal(t, "1845.2", mustGet(t, quote, TagOfferPx))
	_, hasBid := quote.Get(TagBidPx)
	assert.False(t, hasBid)
}

func TestApp_OrderWithoutQuoteIDRejected(t *testing.T) {
	h := appHarness(t, newFakeEngine())

	h.deliver(t, map[int]string{
		TagMsgType:   MsgTypeNewOrderSingle,
		TagMsgSeqNum: "2",
		TagClOrdID:   "ord-9",
		TagSymbol:    "WETH/USDC",
		TagSide:      SideSell,
		TagOrderQty:  "1",
	})

	exec := h.next(t)
	require.Equal(t, MsgTypeExecutionReport, exec.MsgType())
	assert.Equal(t, OrdStatusRejected, mustGet(t, exec, TagOrdStatus))
	assert.Contains(t, mustGet(t, exec, TagText), "firm-only orders not supported")
}

func TestApp_OrderOnExpiredQuoteRejected(t *testing.T) {
	engine := newFakeEngine()
	engine.acceptErr = fmt.Errorf("%w: q-x", lifecycle.ErrQuoteExpired)
	h := appHarness(t, engine)

	h.deliver(t, map[int]string{
		TagMsgType:   MsgTypeNewOrderSingle,
		TagMsgSeqNum: "2",
		TagClOrdID:   "ord-2",
		TagQuoteID:   "q-x",
		TagSymbol:    "WETH/USDC",
		TagSide:      SideSell,
	})

	exec := h.next(t)
	require.Equal(t, MsgTypeExecutionReport, exec.MsgType())
	assert.Equal(t, OrdStatusRejected, mustGet(t, exec, TagOrdStatus))
	assert.Equal(t, "quote expired", mustGet(t, exec, TagText))
}

func TestApp_QuoteCancelNoResponse(t *testing.T) {
	engine := newFakeEngine()
	h := appHarness(t, engine)

	h.deliver(t, map[int]string{
		TagMsgType:    MsgTypeQuoteCancel,
		TagMsgSeqNum:  "2",
		TagQuoteReqID: "req-1",
	})

	select {
	case msg := <-h.out:
		t.Fatalf("quote cancel must not produce a reply, got %s", msg.MsgType())
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, []string{"req-1"}, engine.cancelled)
}

func TestApp_SecurityListRequest(t *testing.T) {
	h := appHarness(t, newFakeEngine())

	h.deliver(t, map[int]string{
		TagMsgType:       MsgTypeSecurityListRequest,
		TagMsgSeqNum:     "2",
		TagSecurityReqID: "slr-1",
	})

	list := h.next(t)
	require.Equal(t, MsgTypeSecurityList, list.MsgType())
	assert.Equal(t, "slr-1", mustGet(t, list, TagSecurityReqID))
	assert.Equal(t, "1", mustGet(t, list, TagNoRelatedSym))
	assert.Equal(t, "WETH/USDC", mustGet(t, list, TagSymbol))
}

func TestApp_UnknownMsgTypeBusinessReject(t *testing.T) {
	h := appHarness(t, newFakeEngine())

	h.deliver(t, map[int]string{
		TagMsgType:   "AB",
		TagMsgSeqNum: "2",
	})

	reject := h.next(t)
	require.Equal(t, MsgTypeBusinessReject, reject.MsgType())
	assert.Equal(t, BusinessRejectUnsupportedMsgType, mustGet(t, reject, TagBusinessRejectReason))
	assert.Equal(t, "AB", mustGet(t, reject, TagRefMsgType))
}

func TestApp_UnknownSymbolRejected(t *testing.T) {
	h := appHarness(t, newFakeEngine())

	h.deliver(t, map[int]string{
		TagMsgType:    MsgTypeQuoteRequest,
		TagMsgSeqNum:  "2",
		TagQuoteReqID: "req-3",
		TagSymbol:     "DOGE/USDC",
		TagSide:       SideSell,
		TagOrderQty:   "1",
	})

	reject := h.next(t)
	assert.Equal(t, MsgTypeReject, reject.MsgType())
}

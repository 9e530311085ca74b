package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

type fakeQuoter struct {
	mu    sync.Mutex
	price string
	err   error
}

func (f *fakeQuoter) setPrice(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
}

func (f *fakeQuoter) Indicative(_ context.Context, req upstream.IndicativeRequest) (*upstream.IndicativeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.IndicativeQuote{
		SrcToken:  req.TokenIn,
		DstToken:  req.TokenOut,
		AmountIn:  req.AmountIn,
		AmountOut: req.AmountIn,
		Price:     f.price,
	}, nil
}

type placedOrder struct {
	ticker string
	side   OrderSide
	price  decimal.Decimal
	size   decimal.Decimal
}

type fakeVenue struct {
	mu        sync.Mutex
	placed    []placedOrder
	cancelled []string
	nextID    int
	placeErr  error
	top       BookTop
	fills     chan Fill
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{fills: make(chan Fill, 8)}
}

func (f *fakeVenue) PlaceOrder(_ context.Context, ticker string, side OrderSide, price, size decimal.Decimal) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", false, f.placeErr
	}
	f.nextID++
	f.placed = append(f.placed, placedOrder{ticker: ticker, side: side, price: price, size: size})
	return fmt.Sprintf("ds-%d", f.nextID), true, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeVenue) BookTop(context.Context, string) (BookTop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.top, nil
}

func (f *fakeVenue) Fills(ctx context.Context) <-chan Fill {
	out := make(chan Fill)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fill := <-f.fills:
				out <- fill
			}
		}
	}()
	return out
}

func (f *fakeVenue) placements() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, len(f.placed))
	copy(out, f.placed)
	return out
}

func (f *fakeVenue) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

func testMapping() Mapping {
	return Mapping{
		PairID:     "WETH-USDC",
		BaseToken:  upstream.Token{Address: "0xweth", Symbol: "WETH", Decimals: 18},
		QuoteToken: upstream.Token{Address: "0xusdc", Symbol: "USDC", Decimals: 6},
		Ticker:     "ETHUSD",
		Side:       SideSell,
		Size:       decimal.RequireFromString("1"),
	}
}

func TestReconciler_DeviationThreshold(t *testing.T) {
	quoter := &fakeQuoter{price: "100.0"}
	venue := newFakeVenue()
	r := New(Config{
		Strategy:              StrategyMirror,
		DeviationThresholdBps: 20,
	}, quoter, venue, bus.New(), nil)
	r.Register(testMapping())

	ctx := context.Background()

	// First pass places at the mid.
	r.ReconcileAll(ctx)
	require.Len(t, venue.placements(), 1)
	assert.Equal(t, "100", venue.placements()[0].price.String())

	// 5 bps move stays under the 20 bps threshold: untouched.
	quoter.setPrice("100.05")
	r.ReconcileAll(ctx)
	assert.Len(t, venue.placements(), 1)
	assert.Empty(t, venue.cancels())

	// 30 bps move crosses the threshold: cancel then replace.
	quoter.setPrice("100.30")
	r.ReconcileAll(ctx)
	require.Len(t, venue.placements(), 2)
	assert.Equal(t, []string{"ds-1"}, venue.cancels())
	assert.Equal(t, "100.3", venue.placements()[1].price.String())
}

func TestReconciler_SpreadStrategy(t *testing.T) {
	quoter := &fakeQuoter{price: "100"}
	venue := newFakeVenue()
	r := New(Config{
		Strategy:  StrategySpread,
		SpreadBps: 20,
	}, quoter, venue, bus.New(), nil)

	sell := testMapping()
	buy := testMapping()
	buy.Side = SideBuy
	r.Register(sell)
	r.Register(buy)

	r.ReconcileAll(context.Background())
	placements := venue.placements()
	require.Len(t, placements, 2)
	// Half of 20 bps on 100 is 0.1 each side.
	assert.Equal(t, "100.1", placements[0].price.String())
	assert.Equal(t, "99.9", placements[1].price.String())
}

func TestReconciler_DynamicClampsToBookSpread(t *testing.T) {
	quoter := &fakeQuoter{price: "100"}
	venue := newFakeVenue()
	// Book spread of 1.0 dominates the configured 20 bps.
	venue.top = BookTop{
		Bid: decimal.RequireFromString("99.5"), Ask: decimal.RequireFromString("100.5"),
		BidSize: decimal.RequireFromString("10"), AskSize: decimal.RequireFromString("10"),
	}
	r := New(Config{
		Strategy:  StrategyDynamic,
		SpreadBps: 20,
	}, quoter, venue, bus.New(), nil)
	r.Register(testMapping())

	r.ReconcileAll(context.Background())
	require.Len(t, venue.placements(), 1)
	assert.Equal(t, "100.5", venue.placements()[0].price.String())
}

func TestReconciler_BudgetQueuesPlacements(t *testing.T) {
	quoter := &fakeQuoter{price: "100"}
	venue := newFakeVenue()
	r := New(Config{
		Strategy:  StrategyMirror,
		MaxOrders: 1,
	}, quoter, venue, bus.New(), nil)

	first := testMapping()
	second := testMapping()
	second.Ticker = "BTCUSD"
	r.Register(first)
	r.Register(second)

	r.ReconcileAll(context.Background())
	assert.Len(t, venue.placements(), 1, "second placement must wait for budget")
}

func TestReconciler_ErrorEventDoesNotAbortPass(t *testing.T) {
	quoter := &fakeQuoter{price: "bad-price"}
	venue := newFakeVenue()
	events := bus.New()
	var errEvents []ErrorEvent
	var mu sync.Mutex
	events.Subscribe(bus.TopicBridgeError, func(p interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := p.(ErrorEvent); ok {
			errEvents = append(errEvents, e)
		}
	})

	r := New(Config{Strategy: StrategyMirror}, quoter, venue, events, nil)
	r.Register(testMapping())
	r.ReconcileAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, errEvents)
	assert.Equal(t, "ETHUSD", errEvents[0].Ticker)
}

func TestReconciler_FillTransitionsOrder(t *testing.T) {
	quoter := &fakeQuoter{price: "100"}
	venue := newFakeVenue()
	events := bus.New()
	var filled []FilledEvent
	var mu sync.Mutex
	events.Subscribe(bus.TopicBridgeFilled, func(p interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := p.(FilledEvent); ok {
			filled = append(filled, e)
		}
	})

	r := New(Config{Strategy: StrategyMirror, RefreshInterval: time.Hour}, quoter, venue, events, nil)
	r.Register(testMapping())
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(venue.placements()) == 1
	}, time.Second, 10*time.Millisecond)

	venue.fills <- Fill{OrderID: "ds-1", Price: decimal.RequireFromString("100"), Size: decimal.RequireFromString("1"), At: time.Now()}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(filled) == 1
	}, time.Second, 10*time.Millisecond)

	orders := r.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderFilled, orders[0].State)
}

func TestReconciler_StopCancelsLiveOrders(t *testing.T) {
	quoter := &fakeQuoter{price: "100"}
	venue := newFakeVenue()
	r := New(Config{Strategy: StrategyMirror, RefreshInterval: time.Hour}, quoter, venue, bus.New(), nil)
	r.Register(testMapping())
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(venue.placements()) == 1
	}, time.Second, 10*time.Millisecond)

	r.Stop()
	assert.Equal(t, []string{"ds-1"}, venue.cancels())
}

func TestReconciler_PlaceErrorMarksOrder(t *testing.T) {
	quoter := &fakeQuoter{price: "100"}
	venue := newFakeVenue()
	venue.placeErr = errors.New("venue down")
	r := New(Config{Strategy: StrategyMirror}, quoter, venue, bus.New(), nil)
	r.Register(testMapping())

	r.ReconcileAll(context.Background())
	orders := r.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderError, orders[0].State)
}

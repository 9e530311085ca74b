package bridge

import (
	"context"
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

// Strategy selects the target-price formula.
type Strategy string

const (
	StrategyMirror  Strategy = "mirror"
	StrategySpread  Strategy = "spread"
	StrategyDynamic Strategy = "dynamic"
)

// Quoter is the slice of the upstream client the bridge needs.
type Quoter interface {
	Indicative(ctx context.Context, req upstream.IndicativeRequest) (*upstream.IndicativeQuote, error)
}

// Config for the reconciler.
type Config struct {
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	Strategy              Strategy      `yaml:"strategy"`
	SpreadBps             int           `yaml:"spread_bps"`
	MaxOrders             int           `yaml:"max_orders"`
	DeviationThresholdBps int           `yaml:"price_deviation_threshold_bps"`
	ChainID               int64         `yaml:"-"`
	// RefAmount sizes the indicative request used to derive the mid.
	RefAmount upstream.Amount `yaml:"-"`
}

// Reconciler keeps one downstream limit order per mapping tracking the
// upstream mid price.
type Reconciler struct {
	cfg    Config
	quoter Quoter
	venue  Venue
	events *bus.Bus
	trail  *audit.Trail

	mu       sync.Mutex
	mappings []Mapping
	orders   map[string]*BridgeOrder
	queued   map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a reconciler. The refresh interval defaults to 2s, the order
// budget to 8.
func New(cfg Config, quoter Quoter, venue Venue, events *bus.Bus, trail *audit.Trail) *Reconciler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = 8
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyMirror
	}
	if cfg.RefAmount.Int == nil {
		cfg.RefAmount = upstream.MustAmount("1000000000000000000")
	}
	return &Reconciler{
		cfg:    cfg,
		quoter: quoter,
		venue:  venue,
		events: events,
		trail:  trail,
		orders: make(map[string]*BridgeOrder),
		queued: make(map[string]bool),
	}
}

// Register adds a mapping to reconcile.
func (r *Reconciler) Register(m Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append(r.mappings, m)
}

// Start launches the reconcile loop and the fill consumer.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.consumeFills(ctx)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		r.ReconcileAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReconcileAll(ctx)
			}
		}
	}()
}

// Stop halts the loop and cancels live downstream orders best-effort.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.mu.Lock()
	live := make([]*BridgeOrder, 0, len(r.orders))
	for _, o := range r.orders {
		if o.State.live() && o.DownstreamID != "" {
			live = append(live, o)
		}
	}
	r.mu.Unlock()

	for _, o := range live {
		if err := r.venue.CancelOrder(ctx, o.DownstreamID); err != nil {
			log.Warn().Str("bridge_id", o.BridgeID).Err(err).Msg("shutdown cancel failed")
			continue
		}
		r.setState(o.BridgeID, OrderCancelled)
	}
}

// ReconcileAll runs one pass over every mapping. Per-mapping failures emit
// bridge:error and never abort the pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	r.mu.Lock()
	mappings := make([]Mapping, len(r.mappings))
	copy(mappings, r.mappings)
	r.mu.Unlock()

	for _, m := range mappings {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcile(ctx, m); err != nil {
			log.Warn().Str("ticker", m.Ticker).Err(err).Msg("bridge reconcile failed")
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, m Mapping) error {
	indicative, err := r.quoter.Indicative(ctx, upstream.IndicativeRequest{
		SrcChainID: r.cfg.ChainID,
		DstChainID: r.cfg.ChainID,
		TokenIn:    m.BaseToken.Address,
		TokenOut:   m.QuoteToken.Address,
		AmountIn:   r.cfg.RefAmount,
		Side:       upstream.SideSell,
	})
	if err != nil {
		r.publishError(m, "", err)
		return err
	}
	mid, err := decimal.NewFromString(indicative.Price)
	if err != nil {
		r.publishError(m, "", err)
		return err
	}

	target, err := r.targetPrice(ctx, m, mid)
	if err != nil {
		r.publishError(m, "", err)
		return err
	}

	r.mu.Lock()
	existing := r.orders[m.key()]
	r.mu.Unlock()

	if existing != nil && existing.State.live() {
		if deviationBps(existing.Price, target).LessThan(decimal.NewFromInt(int64(r.cfg.DeviationThresholdBps))) {
			return nil
		}
		if existing.DownstreamID != "" {
			if err := r.venue.CancelOrder(ctx, existing.DownstreamID); err != nil {
				r.setState(existing.BridgeID, OrderError)
				r.publishError(m, existing.BridgeID, err)
				return err
			}
		}
		r.setState(existing.BridgeID, OrderCancelled)
	}

	return r.place(ctx, m, target, mid)
}

// place creates the bridge order and submits it, respecting the global
// budget. Over-budget placements are queued for the next pass.
func (r *Reconciler) place(ctx context.Context, m Mapping, target, mid decimal.Decimal) error {
	r.mu.Lock()
	if r.liveCountLocked() >= r.cfg.MaxOrders {
		r.queued[m.key()] = true
		r.mu.Unlock()
		log.Debug().Str("ticker", m.Ticker).Msg("order budget exhausted, placement queued")
		return nil
	}
	delete(r.queued, m.key())

	order := &BridgeOrder{
		BridgeID:    uuid.NewString(),
		Ticker:      m.Ticker,
		Side:        m.Side,
		Price:       target,
		Size:        m.Size,
		SourcePrice: mid,
		State:       OrderPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.orders[m.key()] = order
	r.mu.Unlock()

	downstreamID, confirmed, err := r.venue.PlaceOrder(ctx, m.Ticker, m.Side, target, m.Size)
	if err != nil {
		r.setState(order.BridgeID, OrderError)
		r.publishError(m, order.BridgeID, err)
		return err
	}

	r.mu.Lock()
	order.DownstreamID = downstreamID
	if confirmed {
		order.State = OrderPlaced
	}
	order.UpdatedAt = time.Now()
	r.mu.Unlock()

	if r.trail != nil {
		r.trail.Record(ctx, audit.EventBridgePlaced,
			"bridge order "+order.BridgeID+" on "+m.Ticker+" at "+target.String(),
			journal.RelatedIDs{}, journal.SeverityInfo)
	}
	return nil
}

// targetPrice applies the configured strategy to the upstream mid.
func (r *Reconciler) targetPrice(ctx context.Context, m Mapping, mid decimal.Decimal) (decimal.Decimal, error) {
	switch r.cfg.Strategy {
	case StrategyMirror:
		return mid, nil
	case StrategySpread:
		return applyHalfSpread(mid, m.Side, halfSpread(mid, r.cfg.SpreadBps)), nil
	case StrategyDynamic:
		top, err := r.venue.BookTop(ctx, m.Ticker)
		if err != nil {
			return decimal.Zero, err
		}
		half := halfSpread(mid, r.cfg.SpreadBps)
		// Widen with book imbalance; the venue's own absolute spread is
		// the lower bound.
		total := top.BidSize.Add(top.AskSize)
		if total.IsPositive() {
			imbalance := top.BidSize.Sub(top.AskSize).Abs().Div(total)
			half = half.Mul(decimal.NewFromInt(1).Add(imbalance))
		}
		if bookHalf := top.Ask.Sub(top.Bid).Abs().Div(decimal.NewFromInt(2)); half.LessThan(bookHalf) {
			half = bookHalf
		}
		return applyHalfSpread(mid, m.Side, half), nil
	default:
		return mid, nil
	}
}

func halfSpread(mid decimal.Decimal, spreadBps int) decimal.Decimal {
	return mid.Mul(decimal.NewFromInt(int64(spreadBps))).
		Div(decimal.NewFromInt(2)).
		Div(decimal.NewFromInt(10000))
}

func applyHalfSpread(mid decimal.Decimal, side OrderSide, half decimal.Decimal) decimal.Decimal {
	if side == SideBuy {
		return mid.Sub(half)
	}
	return mid.Add(half)
}

// deviationBps is |new - old| / old in basis points.
func deviationBps(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.NewFromInt(0)
	}
	return newPrice.Sub(oldPrice).Abs().Div(oldPrice).Mul(decimal.NewFromInt(10000))
}

func (r *Reconciler) consumeFills(ctx context.Context) {
	for fill := range r.venue.Fills(ctx) {
		r.mu.Lock()
		var matched *BridgeOrder
		for _, o := range r.orders {
			if o.DownstreamID == fill.OrderID && o.State.live() {
				matched = o
				break
			}
		}
		if matched != nil {
			matched.State = OrderFilled
			matched.UpdatedAt = time.Now()
		}
		r.mu.Unlock()

		if matched == nil {
			continue
		}
		log.Info().Str("bridge_id", matched.BridgeID).Str("ticker", matched.Ticker).
			Str("price", fill.Price.String()).Msg("bridge order filled")
		if r.trail != nil {
			r.trail.Record(ctx, audit.EventBridgeFilled,
				"bridge order "+matched.BridgeID+" filled at "+fill.Price.String(),
				journal.RelatedIDs{}, journal.SeverityInfo)
		}
		if r.events != nil {
			r.events.Publish(bus.TopicBridgeFilled, FilledEvent{
				BridgeID: matched.BridgeID,
				Ticker:   matched.Ticker,
				Side:     matched.Side,
				Price:    fill.Price,
				Size:     fill.Size,
			})
		}
	}
}

func (r *Reconciler) publishError(m Mapping, bridgeID string, err error) {
	if r.trail != nil {
		r.trail.Record(context.Background(), audit.EventBridgeError,
			"bridge error on "+m.Ticker+": "+err.Error(),
			journal.RelatedIDs{}, journal.SeverityWarning)
	}
	if r.events != nil {
		r.events.Publish(bus.TopicBridgeError, ErrorEvent{BridgeID: bridgeID, Ticker: m.Ticker, Err: err})
	}
}

func (r *Reconciler) setState(bridgeID string, state OrderState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.BridgeID == bridgeID {
			o.State = state
			o.UpdatedAt = time.Now()
			return
		}
	}
}

func (r *Reconciler) liveCountLocked() int {
	n := 0
	for _, o := range r.orders {
		if o.State.live() {
			n++
		}
	}
	return n
}

// Orders snapshots every tracked bridge order for the admin surface.
func (r *Reconciler) Orders() []BridgeOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BridgeOrder, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, *o)
	}
	return out
}

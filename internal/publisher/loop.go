// Package publisher runs the periodic rate refresh loop feeding the rate
// cache and the venue publishers.
package publisher

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/ratecache"
	"github.com/deluthium/liquidity-bridge/internal/tokens"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// UpstreamSource is the slice of the upstream client the loop needs.
type UpstreamSource interface {
	ListPairs(ctx context.Context, chainID int64) ([]upstream.TradingPair, error)
	ListTokens(ctx context.Context, chainID int64) ([]upstream.Token, error)
	Indicative(ctx context.Context, req upstream.IndicativeRequest) (*upstream.IndicativeQuote, error)
}

// Config for the loop.
type Config struct {
	ChainID         int64
	RefreshInterval time.Duration
	MarkupBps       int
	// RefreshAmount is the probe size per pair, in the src token's smallest
	// unit; defaults to 1e18.
	RefreshAmount upstream.Amount
	// MaxConcurrent bounds parallel per-pair refreshes; defaults to 8.
	MaxConcurrent int
}

// RateUpdate is the rate:updated payload.
type RateUpdate struct {
	PairID   string
	SrcToken string
	DstToken string
	Price    string
}

// RateError is the rate:error payload for a failed per-pair refresh.
type RateError struct {
	PairID string
	Err    error
}

// Loop refreshes every active pair in both directions on a fixed interval.
// Per-pair failures are non-fatal.
type Loop struct {
	cfg      Config
	source   UpstreamSource
	cache    *ratecache.Store
	registry *tokens.Registry
	events   *bus.Bus

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a loop. Interval defaults to 5s.
func New(cfg Config, source UpstreamSource, cache *ratecache.Store, registry *tokens.Registry, events *bus.Bus) *Loop {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.RefreshAmount.Int == nil {
		cfg.RefreshAmount = upstream.MustAmount("1000000000000000000")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Loop{
		cfg:      cfg,
		source:   source,
		cache:    cache,
		registry: registry,
		events:   events,
	}
}

// TTL is the cache freshness bound: twice the refresh interval.
func (l *Loop) TTL() time.Duration {
	return 2 * l.cfg.RefreshInterval
}

// Start fetches the pair and token listings with retry, performs an initial
// refresh, and launches the periodic loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	l.mu.Unlock()

	if err := l.bootstrap(loopCtx); err != nil {
		cancel()
		l.mu.Lock()
		l.running = false
		close(l.done)
		l.mu.Unlock()
		return err
	}

	l.refreshAll(loopCtx)
	go l.run(loopCtx)
	return nil
}

// Stop halts the loop at the next iteration boundary and clears the cache.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.cache.Clear(context.Background())

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

func (l *Loop) bootstrap(ctx context.Context) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		pairs, err := l.source.ListPairs(ctx, l.cfg.ChainID)
		if err == nil {
			var toks []upstream.Token
			toks, err = l.source.ListTokens(ctx, l.cfg.ChainID)
			if err == nil {
				l.registry.ReplacePairs(pairs)
				l.registry.ReplaceTokens(toks)
				log.Info().Int("pairs", len(pairs)).Int("tokens", len(toks)).Msg("publisher bootstrapped")
				return nil
			}
		}
		if attempt >= 5 || !upstream.IsRetryable(err) {
			return fmt.Errorf("publisher bootstrap failed: %w", err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("publisher bootstrap retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.refreshAll(ctx)
		}
	}
}

// refreshAll refreshes every active pair in both directions in parallel.
// Every pair is attempted regardless of other pairs' failures.
func (l *Loop) refreshAll(ctx context.Context) {
	pairs := l.registry.Pairs()

	var g errgroup.Group
	g.SetLimit(l.cfg.MaxConcurrent)

	for _, pair := range pairs {
		if !pair.Active {
			continue
		}
		pair := pair
		g.Go(func() error {
			l.refreshPair(ctx, pair, pair.BaseToken, pair.QuoteToken)
			l.refreshPair(ctx, pair, pair.QuoteToken, pair.BaseToken)
			return nil
		})
	}
	g.Wait()
}

func (l *Loop) refreshPair(ctx context.Context, pair upstream.TradingPair, src, dst upstream.Token) {
	if ctx.Err() != nil {
		return
	}
	quote, err := l.source.Indicative(ctx, upstream.IndicativeRequest{
		SrcChainID: l.cfg.ChainID,
		DstChainID: l.cfg.ChainID,
		TokenIn:    src.Address,
		TokenOut:   dst.Address,
		AmountIn:   l.cfg.RefreshAmount,
		Side:       upstream.SideSell,
	})
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.ID).Str("src", src.Symbol).Msg("rate refresh failed")
		if l.events != nil {
			l.events.Publish(bus.TopicRateError, RateError{PairID: pair.ID, Err: err})
		}
		return
	}

	marked := *quote
	marked.AmountOut = applyMarkup(quote.AmountOut, l.cfg.MarkupBps)

	if err := l.cache.Put(ctx, marked, l.TTL()); err != nil {
		log.Warn().Err(err).Str("pair", pair.ID).Msg("rate cache write failed")
		if l.events != nil {
			l.events.Publish(bus.TopicRateError, RateError{PairID: pair.ID, Err: err})
		}
		return
	}

	if l.events != nil {
		l.events.Publish(bus.TopicRateUpdated, RateUpdate{
			PairID:   pair.ID,
			SrcToken: src.Address,
			DstToken: dst.Address,
			Price:    marked.Price,
		})
	}
}

// applyMarkup reduces the quoted out-amount by markup basis points:
// out' = out - out*bps/10000.
func applyMarkup(out upstream.Amount, bps int) upstream.Amount {
	if out.Int == nil || bps <= 0 {
		return out
	}
	cut := new(big.Int).Mul(out.Int, big.NewInt(int64(bps)))
	cut.Quo(cut, big.NewInt(10000))
	return upstream.NewAmount(new(big.Int).Sub(out.Int, cut))
}

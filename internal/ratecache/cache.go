// Package ratecache holds the per-pair indicative rate cache serving
// aggregator pulls and FIX quote requests between publisher refreshes.
package ratecache

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// overscaleFactor is the requested/cached ratio above which linear scaling
// is flagged as an approximation. The scaled response is still returned.
const overscaleFactor = 10

// CachedRate is one immutable cache entry. Entries are replaced whole on
// refresh so readers never observe partial updates.
type CachedRate struct {
	Key      string
	Quote    upstream.IndicativeQuote
	CachedAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry has outlived its TTL.
func (c *CachedRate) Expired(now time.Time) bool {
	return now.Sub(c.CachedAt) > c.TTL
}

// Rate is the scaled response handed to venue callers.
type Rate struct {
	SrcToken  string           `json:"src_token"`
	DstToken  string           `json:"dst_token"`
	SrcAmount upstream.Amount  `json:"src_amount"`
	DstAmount upstream.Amount  `json:"dst_amount"`
	Price     string           `json:"price"`
	CachedAt  time.Time        `json:"cached_at"`
}

// Backend stores entries. Implementations must replace whole entries (last
// writer wins on CachedAt).
type Backend interface {
	Set(ctx context.Context, key string, entry CachedRate) error
	Get(ctx context.Context, key string) (*CachedRate, bool)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
	Len(ctx context.Context) int
}

// Store layers pair-key canonicalisation, freshness, and linear amount
// scaling over a backend.
type Store struct {
	backend Backend
	events  *bus.Bus
}

// New creates a store over the given backend. events may be nil in tests.
func New(backend Backend, events *bus.Bus) *Store {
	return &Store{backend: backend, events: events}
}

// Key canonicalises a pair key: lowercased "src:dst".
func Key(src, dst string) string {
	return strings.ToLower(src) + ":" + strings.ToLower(dst)
}

// Put stores the latest indicative quote for a pair.
func (s *Store) Put(ctx context.Context, quote upstream.IndicativeQuote, ttl time.Duration) error {
	key := Key(quote.SrcToken, quote.DstToken)
	return s.backend.Set(ctx, key, CachedRate{
		Key:      key,
		Quote:    quote,
		CachedAt: time.Now(),
		TTL:      ttl,
	})
}

// GetRate returns the cached rate for (src, dst) scaled linearly to the
// requested amount. Expired entries are deleted and miss. A request more
// than 10x the cached amount emits a rate:error warning but still returns
// the scaled response.
func (s *Store) GetRate(ctx context.Context, src, dst string, srcAmount upstream.Amount) (*Rate, bool) {
	key := Key(src, dst)
	entry, ok := s.backend.Get(ctx, key)
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		s.backend.Delete(ctx, key)
		return nil, false
	}

	cachedSrc := entry.Quote.AmountIn
	cachedDst := entry.Quote.AmountOut
	if !srcAmount.IsPositive() || !cachedSrc.IsPositive() {
		return nil, false
	}

	// dst := cachedDst * requestedSrc / cachedSrc, exact integer division.
	scaled := new(big.Int).Mul(cachedDst.Int, srcAmount.Int)
	scaled.Quo(scaled, cachedSrc.Int)

	limit := new(big.Int).Mul(cachedSrc.Int, big.NewInt(overscaleFactor))
	if srcAmount.Cmp(limit) > 0 {
		log.Warn().
			Str("pair", key).
			Str("requested", srcAmount.String()).
			Str("cached", cachedSrc.String()).
			Msg("rate request exceeds 10x cached size, linear scaling is approximate")
		if s.events != nil {
			s.events.Publish(bus.TopicRateError, OverscaleEvent{
				Pair:      key,
				Requested: srcAmount,
				Cached:    cachedSrc,
			})
		}
	}

	return &Rate{
		SrcToken:  entry.Quote.SrcToken,
		DstToken:  entry.Quote.DstToken,
		SrcAmount: srcAmount,
		DstAmount: upstream.NewAmount(scaled),
		Price:     entry.Quote.Price,
		CachedAt:  entry.CachedAt,
	}, true
}

// Peek returns the raw entry without scaling or expiry side effects.
func (s *Store) Peek(ctx context.Context, src, dst string) (*CachedRate, bool) {
	return s.backend.Get(ctx, Key(src, dst))
}

// Clear drops every entry.
func (s *Store) Clear(ctx context.Context) {
	s.backend.Clear(ctx)
}

// Len reports entry count.
func (s *Store) Len(ctx context.Context) int {
	return s.backend.Len(ctx)
}

// OverscaleEvent is the rate:error payload for approximate scaling.
type OverscaleEvent struct {
	Pair      string
	Requested upstream.Amount
	Cached    upstream.Amount
}

func (e OverscaleEvent) String() string {
	return fmt.Sprintf("overscale %s: requested %s vs cached %s", e.Pair, e.Requested, e.Cached)
}

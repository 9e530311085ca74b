package ratecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

func putQuote(t *testing.T, s *Store, src, dst, amountIn, amountOut string, ttl time.Duration) {
	t.Helper()
	err := s.Put(context.Background(), upstream.IndicativeQuote{
		SrcToken:  src,
		DstToken:  dst,
		AmountIn:  upstream.MustAmount(amountIn),
		AmountOut: upstream.MustAmount(amountOut),
		Price:     "2.0",
	}, ttl)
	require.NoError(t, err)
}

func TestStore_LinearScaling(t *testing.T) {
	s := New(NewMemory(16), nil)
	putQuote(t, s, "0xA", "0xB", "1000000000000000000", "2000000000000000000", time.Minute)

	rate, ok := s.GetRate(context.Background(), "0xA", "0xB", upstream.MustAmount("5000000000000000000"))
	require.True(t, ok)
	assert.Equal(t, "10000000000000000000", rate.DstAmount.String())
	assert.Equal(t, "5000000000000000000", rate.SrcAmount.String())
}

func TestStore_OverscaleWarnsButReturns(t *testing.T) {
	events := bus.New()
	var warned int
	events.Subscribe(bus.TopicRateError, func(p interface{}) {
		_, ok := p.(OverscaleEvent)
		require.True(t, ok)
		warned++
	})

	s := New(NewMemory(16), events)
	putQuote(t, s, "0xA", "0xB", "1000000000000000000", "2000000000000000000", time.Minute)

	// 15x the cached size: scaled response still returned.
	rate, ok := s.GetRate(context.Background(), "0xA", "0xB", upstream.MustAmount("15000000000000000000"))
	require.True(t, ok)
	assert.Equal(t, "30000000000000000000", rate.DstAmount.String())
	assert.Equal(t, 1, warned)

	// Exactly 10x is not an overscale.
	_, ok = s.GetRate(context.Background(), "0xA", "0xB", upstream.MustAmount("10000000000000000000"))
	require.True(t, ok)
	assert.Equal(t, 1, warned)
}

func TestStore_ExpiredEntryMissesAndDeletes(t *testing.T) {
	backend := NewMemory(16)
	s := New(backend, nil)
	putQuote(t, s, "0xA", "0xB", "100", "200", time.Millisecond)

	time.Sleep(10 * time.Millisecond)

	_, ok := s.GetRate(context.Background(), "0xA", "0xB", upstream.MustAmount("100"))
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len(context.Background()), "expired entry must be removed on miss")
}

func TestStore_KeyCanonicalisation(t *testing.T) {
	s := New(NewMemory(16), nil)
	putQuote(t, s, "0xAbC", "0xDeF", "100", "200", time.Minute)

	_, ok := s.GetRate(context.Background(), "0xABC", "0xdef", upstream.MustAmount("100"))
	assert.True(t, ok, "lookups must be case-insensitive on addresses")
}

func TestStore_OneEntryPerKey(t *testing.T) {
	s := New(NewMemory(16), nil)
	putQuote(t, s, "0xA", "0xB", "100", "200", time.Minute)
	putQuote(t, s, "0xA", "0xB", "100", "300", time.Minute)

	rate, ok := s.GetRate(context.Background(), "0xA", "0xB", upstream.MustAmount("100"))
	require.True(t, ok)
	assert.Equal(t, "300", rate.DstAmount.String(), "last writer wins")
	assert.Equal(t, 1, s.Len(context.Background()))
}

func TestMemory_SizeBoundEviction(t *testing.T) {
	backend := NewMemory(2)
	s := New(backend, nil)
	putQuote(t, s, "0xA", "0xB", "1", "2", time.Minute)
	putQuote(t, s, "0xC", "0xD", "1", "2", time.Minute)
	putQuote(t, s, "0xE", "0xF", "1", "2", time.Minute)

	assert.Equal(t, 2, backend.Len(context.Background()))
}

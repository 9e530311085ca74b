// Package tokens maintains the chain-scoped token registry used to resolve
// venue symbols against upstream token addresses.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// Registry maps symbols to tokens for one chain. It is refreshed whole by
// the publisher loop and read by the FIX application layer.
type Registry struct {
	mu      sync.RWMutex
	chainID int64
	bySym   map[string]upstream.Token
	byAddr  map[string]upstream.Token
	pairs   []upstream.TradingPair
}

// NewRegistry creates an empty registry for a chain.
func NewRegistry(chainID int64) *Registry {
	return &Registry{
		chainID: chainID,
		bySym:   make(map[string]upstream.Token),
		byAddr:  make(map[string]upstream.Token),
	}
}

// ChainID returns the registry's chain.
func (r *Registry) ChainID() int64 { return r.chainID }

// ReplaceTokens swaps in a fresh token catalogue.
func (r *Registry) ReplaceTokens(tokens []upstream.Token) {
	bySym := make(map[string]upstream.Token, len(tokens))
	byAddr := make(map[string]upstream.Token, len(tokens))
	for _, tok := range tokens {
		bySym[strings.ToUpper(tok.Symbol)] = tok
		byAddr[strings.ToLower(tok.Address)] = tok
	}

	r.mu.Lock()
	r.bySym = bySym
	r.byAddr = byAddr
	r.mu.Unlock()
}

// ReplacePairs swaps in the active pair listing.
func (r *Registry) ReplacePairs(pairs []upstream.TradingPair) {
	snapshot := make([]upstream.TradingPair, len(pairs))
	copy(snapshot, pairs)

	r.mu.Lock()
	r.pairs = snapshot
	r.mu.Unlock()
}

// Token resolves a symbol.
func (r *Registry) Token(symbol string) (upstream.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.bySym[strings.ToUpper(symbol)]
	return tok, ok
}

// TokenByAddress resolves an address.
func (r *Registry) TokenByAddress(addr string) (upstream.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.byAddr[strings.ToLower(addr)]
	return tok, ok
}

// Pairs returns the active pair snapshot.
func (r *Registry) Pairs() []upstream.TradingPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]upstream.TradingPair, len(r.pairs))
	copy(out, r.pairs)
	return out
}

// ResolveSymbol splits a venue symbol of the form BASE/QUOTE and resolves
// both legs against the registry.
func (r *Registry) ResolveSymbol(symbol string) (base, quote upstream.Token, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return base, quote, fmt.Errorf("invalid symbol %q, want BASE/QUOTE", symbol)
	}
	if parts[0] == parts[1] {
		return base, quote, fmt.Errorf("invalid symbol %q, base equals quote", symbol)
	}

	base, ok := r.Token(parts[0])
	if !ok {
		return base, quote, fmt.Errorf("unknown base token %q", parts[0])
	}
	quote, ok = r.Token(parts[1])
	if !ok {
		return base, quote, fmt.Errorf("unknown quote token %q", parts[1])
	}
	return base, quote, nil
}

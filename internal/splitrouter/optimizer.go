package splitrouter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// RefineIterations bounds the ternary-search phase.
const RefineIterations = 5

// gridPoints evaluates f in {0, 0.1, ..., 1.0}.
const gridPoints = 11

// OptimizerConfig tunes the split search.
type OptimizerConfig struct {
	// MinSplitBps skips interior fractions that would route less than
	// this share to either venue.
	MinSplitBps int `yaml:"min_split_bps"`
	// GasPriceWei prices a gas unit in native smallest units.
	GasPriceWei upstream.Amount `yaml:"gas_price_wei"`
}

// Evaluation is the outcome of pricing one split fraction.
type Evaluation struct {
	F           float64         `json:"f"`
	UpstreamIn  upstream.Amount `json:"upstream_in"`
	AMMIn       upstream.Amount `json:"amm_in"`
	UpstreamOut upstream.Amount `json:"upstream_out"`
	AMMOut      upstream.Amount `json:"amm_out"`
	GasUnits    uint64          `json:"gas_units"`
	NetOut      decimal.Decimal `json:"net_out"`
}

// Plan is the optimiser's decision for one trade.
type Plan struct {
	TokenIn         string          `json:"token_in"`
	TokenOut        string          `json:"token_out"`
	TotalIn         upstream.Amount `json:"total_in"`
	Best            Evaluation      `json:"best"`
	BestSingle      Evaluation      `json:"best_single"`
	ImprovementBps  decimal.Decimal `json:"improvement_bps"`
	SplitBeneficial bool            `json:"split_beneficial"`
}

// Optimizer runs the two-phase grid plus ternary search.
type Optimizer struct {
	cfg     OptimizerConfig
	quoter  upstream.Quoter
	amm     AMM
	chainID int64
}

// NewOptimizer wires the search against both venues.
func NewOptimizer(cfg OptimizerConfig, quoter upstream.Quoter, amm AMM, chainID int64) *Optimizer {
	return &Optimizer{cfg: cfg, quoter: quoter, amm: amm, chainID: chainID}
}

// Optimize finds the split fraction of totalIn routed upstream that
// maximises output net of gas.
func (o *Optimizer) Optimize(ctx context.Context, tokenIn, tokenOut string, totalIn upstream.Amount) (*Plan, error) {
	if !totalIn.IsPositive() {
		return nil, fmt.Errorf("total amount must be positive")
	}

	nativeRate, err := o.amm.NativeRate(ctx, tokenOut)
	if err != nil {
		log.Warn().Str("token", tokenOut).Err(err).Msg("native rate unavailable, gas cost treated as zero")
		nativeRate = decimal.Zero
	}

	minSplit := float64(o.cfg.MinSplitBps) / 10000

	// Phase 1: the grid. Extremes are always evaluated; interior points
	// below the minimum split on either side are skipped.
	var best, upstreamOnly, ammOnly *Evaluation
	step := 1.0 / float64(gridPoints-1)
	for i := 0; i < gridPoints; i++ {
		f := float64(i) * step
		if i != 0 && i != gridPoints-1 && (f < minSplit || 1-f < minSplit) {
			continue
		}
		ev, err := o.evaluate(ctx, tokenIn, tokenOut, totalIn, f, nativeRate)
		if err != nil {
			log.Debug().Float64("f", f).Err(err).Msg("split evaluation failed, point skipped")
			continue
		}
		if i == 0 {
			ammOnly = ev
		}
		if i == gridPoints-1 {
			upstreamOnly = ev
		}
		if best == nil || ev.NetOut.GreaterThan(best.NetOut) {
			best = ev
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no split fraction could be priced for %s->%s", tokenIn, tokenOut)
	}

	// Phase 2: ternary refinement around the grid optimum.
	lo := clamp01(best.F - step)
	hi := clamp01(best.F + step)
	for i := 0; i < RefineIterations; i++ {
		m1 := lo + (hi-lo)/3
		m2 := hi - (hi-lo)/3
		e1, err1 := o.evaluate(ctx, tokenIn, tokenOut, totalIn, m1, nativeRate)
		e2, err2 := o.evaluate(ctx, tokenIn, tokenOut, totalIn, m2, nativeRate)
		if err1 != nil || err2 != nil {
			break
		}
		if e1.NetOut.GreaterThan(best.NetOut) {
			best = e1
		}
		if e2.NetOut.GreaterThan(best.NetOut) {
			best = e2
		}
		if e1.NetOut.LessThan(e2.NetOut) {
			lo = m1
		} else {
			hi = m2
		}
	}

	bestSingle := upstreamOnly
	if bestSingle == nil || (ammOnly != nil && ammOnly.NetOut.GreaterThan(bestSingle.NetOut)) {
		bestSingle = ammOnly
	}
	if bestSingle == nil {
		bestSingle = best
	}

	improvement := decimal.Zero
	if bestSingle.NetOut.IsPositive() && best.NetOut.GreaterThan(bestSingle.NetOut) {
		improvement = best.NetOut.Sub(bestSingle.NetOut).
			Div(bestSingle.NetOut).
			Mul(decimal.NewFromInt(10000))
	}

	return &Plan{
		TokenIn:         tokenIn,
		TokenOut:        tokenOut,
		TotalIn:         totalIn,
		Best:            *best,
		BestSingle:      *bestSingle,
		ImprovementBps:  improvement,
		SplitBeneficial: improvement.IsPositive(),
	}, nil
}

/// evaluate prices one fraction: f of the total upstream, the rest on the AMM.
func (o *Optimizer) evaluate(ctx context.Context, tokenIn, tokenOut string, totalIn upstream.Amount, f float64, nativeRate decimal.Decimal) (*Evaluation, error) {
	upstreamIn := fraction(totalIn, f)
	ammIn := upstream.NewAmount(new(big.Int).Sub(totalIn.Int, upstreamIn.Int))

	ev := &Evaluation{
		F:           f,
		UpstreamIn:  upstreamIn,
		AMMIn:       ammIn,
		UpstreamOut: upstream.NewAmount(nil),
		AMMOut:      upstream.NewAmount(nil),
	}

	if upstreamIn.IsPositive() {
		quote, err := o.quoter.Indicative(ctx, upstream.IndicativeRequest{
			SrcChainID: o.chainID,
			DstChainID: o.chainID,
			TokenIn:    tokenIn,
			TokenOut:   tokenOut,
			AmountIn:   upstreamIn,
			Side:       upstream.SideSell,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream leg at f=%.3f: %w", f, err)
		}
		ev.UpstreamOut = quote.AmountOut
	}

	if ammIn.IsPositive() {
		quote, err := o.amm.BestQuote(ctx, tokenIn, tokenOut, ammIn)
		if err != nil {
			return nil, fmt.Errorf("amm leg at f=%.3f: %w", f, err)
		}
		ev.AMMOut = quote.AmountOut
		ev.GasUnits = quote.GasUnits
	}

	total := decimal.Zero
	if ev.UpstreamOut.Int != nil {
		total = total.Add(decimal.NewFromBigInt(ev.UpstreamOut.Int, 0))
	}
	if ev.AMMOut.Int != nil {
		total = total.Add(decimal.NewFromBigInt(ev.AMMOut.Int, 0))
	}
	ev.NetOut = total.Sub(o.gasCost(ev.GasUnits, nativeRate))
	return ev, nil
}

// gasCost converts accumulated gas into output token units. An unknown
// native rate makes gas free rather than failing the search.
func (o *Optimizer) gasCost(gasUnits uint64, nativeRate decimal.Decimal) decimal.Decimal {
	if gasUnits == 0 || nativeRate.IsZero() || o.cfg.GasPriceWei.Int == nil {
		return decimal.Zero
	}
	nativeCost := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), o.cfg.GasPriceWei.Int)
	return decimal.NewFromBigInt(nativeCost, 0).Mul(nativeRate)
}

// fraction returns floor(total * f).
func fraction(total upstream.Amount, f float64) upstream.Amount {
	scaled := decimal.NewFromBigInt(total.Int, 0).Mul(decimal.NewFromFloat(f)).Floor()
	return upstream.NewAmount(scaled.BigInt())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package splitrouter

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// FirmSource is the firm-quote capability of the upstream client.
type FirmSource interface {
	Firm(ctx context.Context, req upstream.FirmRequest) (*upstream.FirmQuote, error)
}

// TxSubmitter broadcasts a prepared settlement transaction.
type TxSubmitter interface {
	Submit(ctx context.Context, routerAddr, calldata string) (txHash string, err error)
}

// ExecutorConfig tunes execution.
type ExecutorConfig struct {
	MaxSlippageBps int           `yaml:"max_slippage_bps"`
	SwapDeadline   time.Duration `yaml:"swap_deadline"`
	FromAddr       string        `yaml:"from_addr"`
	ChainID        int64         `yaml:"-"`
}

// AllocationResult records one leg's outcome. A failed leg carries Err and
// never aborts the remaining legs.
type AllocationResult struct {
	Venue       string          `json:"venue"`
	AmountIn    upstream.Amount `json:"amount_in"`
	Expected    upstream.Amount `json:"expected_out"`
	Actual      upstream.Amount `json:"actual_out"`
	SlippageBps decimal.Decimal `json:"slippage_bps"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Err         string          `json:"error,omitempty"`
}

// Executor settles an optimised plan leg by leg.
type Executor struct {
	cfg       ExecutorConfig
	firm      FirmSource
	amm       AMM
	submitter TxSubmitter
}

// NewExecutor wires the execution path.
func NewExecutor(cfg ExecutorConfig, firm FirmSource, amm AMM, submitter TxSubmitter) *Executor {
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = 2 * time.Minute
	}
	return &Executor{cfg: cfg, firm: firm, amm: amm, submitter: submitter}
}

// Execute runs both legs of the plan's best evaluation in order.
func (e *Executor) Execute(ctx context.Context, plan *Plan) []AllocationResult {
	var results []AllocationResult
	best := plan.Best

	if best.UpstreamIn.IsPositive() {
		results = append(results, e.executeUpstream(ctx, plan, best))
	}
	if best.AMMIn.IsPositive() {
		results = append(results, e.executeAMM(ctx, plan, best))
	}
	return results
}

func (e *Executor) executeUpstream(ctx context.Context, plan *Plan, best Evaluation) AllocationResult {
	result := AllocationResult{
		Venue:    "upstream",
		AmountIn: best.UpstreamIn,
		Expected: best.UpstreamOut,
		Actual:   upstream.NewAmount(nil),
	}

	firm, err := e.firm.Firm(ctx, upstream.FirmRequest{
		FromAddr:      e.cfg.FromAddr,
		ToAddr:        e.cfg.FromAddr,
		SrcChainID:    e.cfg.ChainID,
		DstChainID:    e.cfg.ChainID,
		TokenIn:       plan.TokenIn,
		TokenOut:      plan.TokenOut,
		AmountIn:      best.UpstreamIn,
		Slippage:      float64(e.cfg.MaxSlippageBps) / 100,
		ExpiryTimeSec: int64(e.cfg.SwapDeadline.Seconds()),
	})
	if err != nil {
		log.Warn().Err(err).Msg("upstream leg firm quote failed")
		result.Err = err.Error()
		return result
	}

	txHash, err := e.submitter.Submit(ctx, firm.RouterAddr, firm.Calldata)
	if err != nil {
		log.Warn().Err(err).Msg("upstream leg settlement failed")
		result.Err = err.Error()
		return result
	}
	result.TxHash = txHash
	result.Actual = firm.AmountOut
	result.SlippageBps = slippageBps(result.Expected, result.Actual)
	return result
}

func (e *Executor) executeAMM(ctx context.Context, plan *Plan, best Evaluation) AllocationResult {
	result := AllocationResult{
		Venue:    "amm",
		AmountIn: best.AMMIn,
		Expected: best.AMMOut,
		Actual:   upstream.NewAmount(nil),
	}

	swap, err := e.amm.Swap(ctx, SwapRequest{
		TokenIn:   plan.TokenIn,
		TokenOut:  plan.TokenOut,
		AmountIn:  best.AMMIn,
		MinOut:    minOut(best.AMMOut, e.cfg.MaxSlippageBps),
		Recipient: e.cfg.FromAddr,
		Deadline:  time.Now().Add(e.cfg.SwapDeadline),
	})
	if err != nil {
		log.Warn().Err(err).Msg("amm leg swap failed")
		result.Err = err.Error()
		return result
	}
	result.TxHash = swap.TxHash
	result.Actual = swap.AmountOut
	result.SlippageBps = slippageBps(result.Expected, result.Actual)
	return result
}

// minOut is expected * (1 - maxSlippageBps/10000), floored.
func minOut(expected upstream.Amount, maxSlippageBps int) upstream.Amount {
	if expected.Int == nil {
		return upstream.NewAmount(nil)
	}
	keep := big.NewInt(int64(10000 - maxSlippageBps))
	out := new(big.Int).Mul(expected.Int, keep)
	out.Quo(out, big.NewInt(10000))
	return upstream.NewAmount(out)
}

// slippageBps is (expected - actual) / expected in basis points. Better than
// expected comes out negative.
func slippageBps(expected, actual upstream.Amount) decimal.Decimal {
	if expected.Int == nil || expected.Sign() == 0 || actual.Int == nil {
		return decimal.Zero
	}
	exp := decimal.NewFromBigInt(expected.Int, 0)
	act := decimal.NewFromBigInt(actual.Int, 0)
	return exp.Sub(act).Div(exp).Mul(decimal.NewFromInt(10000))
}

// Package gates applies stateless, short-circuiting admission checks to
// a Signal before it reaches the risk engine: spread, liquidity, and
// minimum edge. Gates never hold state between calls and never mutate
// their inputs.
package gates

import "github.com/aristath/weatheredge/internal/domain"

// Result is the outcome of running a market snapshot and signal through
// the gate chain.
type Result struct {
	Admitted bool
	Reason   domain.ReasonCode // populated only when Admitted is false
}

// Params are the gate thresholds, sourced from config.
type Params struct {
	SpreadMaxCents       int
	LiquidityMin         int
	MinLiquidityMultiple float64
	MinEdgeAfterCosts    float64
}

// Check runs the gate chain in order, stopping at the first refusal:
// spread, then liquidity, then minimum edge after costs. A HOLD signal
// never reaches the gates; callers are expected to have already
// filtered to BUY signals.
func Check(mkt domain.MarketSnapshot, sig domain.Signal, params Params) Result {
	if r := checkSpread(mkt, params); !r.Admitted {
		return r
	}
	if r := checkLiquidity(mkt, params); !r.Admitted {
		return r
	}
	if r := checkMinEdge(sig, params); !r.Admitted {
		return r
	}
	return Result{Admitted: true}
}

// checkSpread refuses markets whose yes-bid/ask spread exceeds the
// configured ceiling, or whose book is one-sided.
func checkSpread(mkt domain.MarketSnapshot, params Params) Result {
	spread, ok := mkt.SpreadCents()
	if !ok {
		return Result{Admitted: false, Reason: domain.ReasonSpreadWide}
	}
	if spread > params.SpreadMaxCents {
		return Result{Admitted: false, Reason: domain.ReasonSpreadWide}
	}
	return Result{Admitted: true}
}

// checkLiquidity refuses markets too thin to absorb a trade without
// materially moving the book: the smaller of volume and open interest
// must clear LiquidityMin, and open interest on its own must clear
// LiquidityMin times MinLiquidityMultiple.
func checkLiquidity(mkt domain.MarketSnapshot, params Params) Result {
	thinnest := mkt.Volume
	if mkt.OpenInterest < thinnest {
		thinnest = mkt.OpenInterest
	}
	if thinnest < params.LiquidityMin {
		return Result{Admitted: false, Reason: domain.ReasonLowLiquidity}
	}
	if float64(mkt.OpenInterest) < float64(params.LiquidityMin)*params.MinLiquidityMultiple {
		return Result{Admitted: false, Reason: domain.ReasonLowLiquidity}
	}
	return Result{Admitted: true}
}

// checkMinEdge refuses signals whose edge, after the configured cost
// buffer, would not clear the minimum required to trade.
func checkMinEdge(sig domain.Signal, params Params) Result {
	edge := sig.Edge
	if edge < 0 {
		edge = -edge
	}
	if edge < params.MinEdgeAfterCosts {
		return Result{Admitted: false, Reason: domain.ReasonInsufficientEdge}
	}
	return Result{Admitted: true}
}

// Package strategy turns a (WeatherSnapshot, MarketSnapshot) pair into a
// Signal: a modeled probability of the contract settling YES, the
// market's implied probability, the edge between them, and a BUY/HOLD
// recommendation. Evaluation is pure and deterministic — no I/O, no
// clock reads beyond the CreatedAt timestamp on the resulting Signal.
package strategy

import (
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"gonum.org/v1/gonum/stat/distuv"
)

// Name identifies this strategy in intent keys and signal records.
const Name = "gaussian-threshold-v1"

// Params are the strategy's tunables, sourced from config.
type Params struct {
	MaxUncertainty float64 // uncertainty (stddev as probability mass) above which the strategy refuses to act
	MinEdge        float64 // minimum |edge| required to recommend BUY
}

// Evaluate computes the Signal for one market given the city's latest
// weather snapshot. The threshold comparison follows the market's
// stated Direction: ABOVE means the contract pays out if the settled
// high exceeds ThresholdF, BELOW means it pays out if the settled high
// is under it.
func Evaluate(weather domain.WeatherSnapshot, mkt domain.MarketSnapshot, params Params, now time.Time) domain.Signal {
	sig := domain.Signal{
		CityCode:     mkt.CityCode,
		Ticker:       mkt.Ticker,
		StrategyName: Name,
		CreatedAt:    now,
	}

	if weather.Stale {
		sig.Action = domain.ActionHold
		sig.Reasons = append(sig.Reasons, domain.ReasonStaleWeather)
		return sig
	}

	if weather.ForecastStddevF <= 0 {
		sig.Action = domain.ActionHold
		sig.Reasons = append(sig.Reasons, domain.ReasonHighUncertainty)
		return sig
	}

	pYesModel := pYes(weather, mkt)
	sig.PYesModel = pYesModel
	sig.Uncertainty = uncertainty(weather, params.MaxUncertainty)

	midYes, ok := mkt.MidYes()
	if !ok {
		sig.Action = domain.ActionHold
		sig.Reasons = append(sig.Reasons, domain.ReasonHoldDefault)
		return sig
	}
	pYesMarket := midYes / 100.0
	sig.PYesMarket = pYesMarket

	edge := pYesModel - pYesMarket
	sig.Edge = edge

	// sig.Uncertainty is capped at MaxUncertainty, so the limit is checked
	// against the uncapped ratio.
	if weather.ForecastStddevF/referenceStddevF > params.MaxUncertainty {
		sig.Action = domain.ActionHold
		sig.Reasons = append(sig.Reasons, domain.ReasonHighUncertainty)
		return sig
	}

	switch {
	case edge >= params.MinEdge && askClearsEdge(mkt.YesAsk, pYesModel, params.MinEdge):
		sig.Action = domain.ActionBuy
		sig.Side = domain.SideYes
		sig.MaxPriceCents = priceCeiling(mkt.YesAsk, pYesModel)
		sig.Reasons = append(sig.Reasons, domain.ReasonEdgePositive)
	case edge <= -params.MinEdge && askClearsEdge(mkt.NoAsk, 1-pYesModel, params.MinEdge):
		sig.Action = domain.ActionBuy
		sig.Side = domain.SideNo
		sig.MaxPriceCents = priceCeiling(mkt.NoAsk, 1-pYesModel)
		sig.Reasons = append(sig.Reasons, domain.ReasonEdgeNegative)
	default:
		sig.Action = domain.ActionHold
		sig.Reasons = append(sig.Reasons, domain.ReasonBelowMinEdge)
	}

	return sig
}

// askClearsEdge requires the side's ask to leave the full minimum edge
// in place after costs: ask ≤ 100·(modeledProb − minEdge). A nil ask
// means the side isn't quoted at all and can't clear anything.
func askClearsEdge(ask *int, modeledProb, minEdge float64) bool {
	if ask == nil {
		return false
	}
	return float64(*ask) <= 100*(modeledProb-minEdge)
}

// pYes models the probability that the settled high satisfies the
// market's direction, treating the forecast high as the mean of a
// normal distribution with the snapshot's calibrated standard
// deviation. ABOVE markets use the survival function 1-CDF(threshold);
// BELOW markets use CDF(threshold) directly.
func pYes(weather domain.WeatherSnapshot, mkt domain.MarketSnapshot) float64 {
	dist := distuv.Normal{Mu: weather.ForecastHighF, Sigma: weather.ForecastStddevF}
	cdf := dist.CDF(mkt.ThresholdF)
	if mkt.Direction == domain.DirectionAbove {
		return 1 - cdf
	}
	return cdf
}

// referenceStddevF is the normalization divisor from forecast standard
// deviation (in F) to uncertainty.
const referenceStddevF = 15.0

// uncertainty maps the snapshot's forecast standard deviation onto the
// same scale max_uncertainty is configured in, capped at maxUncertainty
// itself: the normalization divisor of 15 leaves headroom below the
// default max_uncertainty of 0.30 for stddevs up to 4.5F.
func uncertainty(weather domain.WeatherSnapshot, maxUncertainty float64) float64 {
	u := weather.ForecastStddevF / referenceStddevF
	if u > maxUncertainty {
		u = maxUncertainty
	}
	return u
}

// priceCeiling bounds the limit price the OMS will offer at the
// modeled probability, in cents, never paying more than the current ask
// when one is quoted.
func priceCeiling(ask *int, modeledProb float64) int {
	ceiling := int(modeledProb * 100)
	if ceiling < 1 {
		ceiling = 1
	}
	if ceiling > 99 {
		ceiling = 99
	}
	if ask != nil && *ask < ceiling {
		ceiling = *ask
	}
	return ceiling
}

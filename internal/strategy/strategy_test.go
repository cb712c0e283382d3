package strategy

import (
	"testing"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/stretchr/testify/assert"
)

func ptr(i int) *int { return &i }

func baseParams() Params {
	return Params{MaxUncertainty: 0.8, MinEdge: 0.03}
}

func TestEvaluate_StaleWeatherHolds(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 80, ForecastStddevF: 2, Stale: true}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(50), YesAsk: ptr(52)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Contains(t, sig.Reasons, domain.ReasonStaleWeather)
}

func TestEvaluate_MissingBookHolds(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 80, ForecastStddevF: 2}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Contains(t, sig.Reasons, domain.ReasonHoldDefault)
}

func TestEvaluate_ZeroStddevHoldsHighUncertainty(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 80, ForecastStddevF: 0}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(50), YesAsk: ptr(52)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Contains(t, sig.Reasons, domain.ReasonHighUncertainty)
}

func TestEvaluate_AskEatsEdgeHolds(t *testing.T) {
	// Modeled probability and mid imply a positive edge, but the ask itself
	// sits right at the model's probability, leaving no room for min_edge
	// after the ask is paid.
	w := domain.WeatherSnapshot{ForecastHighF: 85, ForecastStddevF: 1.5}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(50), YesAsk: ptr(99)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Contains(t, sig.Reasons, domain.ReasonBelowMinEdge)
}

func TestEvaluate_ConfidentAboveForecastBuysYes(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 85, ForecastStddevF: 1.5}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(50), YesAsk: ptr(55)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionBuy, sig.Action)
	assert.Equal(t, domain.SideYes, sig.Side)
	assert.Greater(t, sig.PYesModel, 0.9)
	assert.Contains(t, sig.Reasons, domain.ReasonEdgePositive)
	assert.LessOrEqual(t, sig.MaxPriceCents, 55)
}

func TestEvaluate_ConfidentBelowForecastBuysNoOnAboveMarket(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 60, ForecastStddevF: 1.5}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(10), YesAsk: ptr(15), NoBid: ptr(85), NoAsk: ptr(90)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionBuy, sig.Action)
	assert.Equal(t, domain.SideNo, sig.Side)
	assert.Contains(t, sig.Reasons, domain.ReasonEdgeNegative)
}

func TestEvaluate_SmallEdgeHolds(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 75, ForecastStddevF: 5}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(49), YesAsk: ptr(51)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Contains(t, sig.Reasons, domain.ReasonBelowMinEdge)
}

func TestEvaluate_HighUncertaintyHoldsEvenWithEdge(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 85, ForecastStddevF: 20}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(50), YesAsk: ptr(55)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Contains(t, sig.Reasons, domain.ReasonHighUncertainty)
}

func TestEvaluate_BelowDirectionUsesCDFDirectly(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 30, ForecastStddevF: 1.5}
	m := domain.MarketSnapshot{ThresholdF: 40, Direction: domain.DirectionBelow, YesBid: ptr(50), YesAsk: ptr(55)}

	sig := Evaluate(w, m, baseParams(), time.Now())
	assert.Greater(t, sig.PYesModel, 0.9)
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	w := domain.WeatherSnapshot{ForecastHighF: 78, ForecastStddevF: 3}
	m := domain.MarketSnapshot{ThresholdF: 75, Direction: domain.DirectionAbove, YesBid: ptr(50), YesAsk: ptr(55)}
	now := time.Now()

	a := Evaluate(w, m, baseParams(), now)
	b := Evaluate(w, m, baseParams(), now)
	assert.Equal(t, a.PYesModel, b.PYesModel)
	assert.Equal(t, a.Edge, b.Edge)
	assert.Equal(t, a.Action, b.Action)
}

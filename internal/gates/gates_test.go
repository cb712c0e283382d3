package gates

import (
	"testing"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/stretchr/testify/assert"
)

func ptr(i int) *int { return &i }

func baseParams() Params {
	return Params{SpreadMaxCents: 4, LiquidityMin: 200, MinLiquidityMultiple: 5.0, MinEdgeAfterCosts: 0.03}
}

func baseMarket() domain.MarketSnapshot {
	return domain.MarketSnapshot{YesBid: ptr(48), YesAsk: ptr(51), Volume: 5000, OpenInterest: 5000}
}

func TestCheck_AdmitsCleanSignal(t *testing.T) {
	r := Check(baseMarket(), domain.Signal{Edge: 0.10}, baseParams())
	assert.True(t, r.Admitted)
}

func TestCheck_RefusesWideSpread(t *testing.T) {
	m := baseMarket()
	m.YesAsk = ptr(60)
	r := Check(m, domain.Signal{Edge: 0.10}, baseParams())
	assert.False(t, r.Admitted)
	assert.Equal(t, domain.ReasonSpreadWide, r.Reason)
}

func TestCheck_RefusesOneSidedBook(t *testing.T) {
	m := baseMarket()
	m.YesBid = nil
	r := Check(m, domain.Signal{Edge: 0.10}, baseParams())
	assert.False(t, r.Admitted)
	assert.Equal(t, domain.ReasonSpreadWide, r.Reason)
}

func TestCheck_RefusesBelowMinOpenInterest(t *testing.T) {
	m := baseMarket()
	m.OpenInterest = 50
	r := Check(m, domain.Signal{Edge: 0.10}, baseParams())
	assert.False(t, r.Admitted)
	assert.Equal(t, domain.ReasonLowLiquidity, r.Reason)
}

func TestCheck_RefusesBelowMinVolume(t *testing.T) {
	// Open interest alone clears both thresholds, but the thinner side of
	// the book (volume) falls under LiquidityMin.
	m := baseMarket()
	m.Volume = 50
	r := Check(m, domain.Signal{Edge: 0.10}, baseParams())
	assert.False(t, r.Admitted)
	assert.Equal(t, domain.ReasonLowLiquidity, r.Reason)
}

func TestCheck_RefusesWhenOpenInterestBelowMultiple(t *testing.T) {
	// min(volume, open_interest) clears LiquidityMin, but open interest on
	// its own doesn't reach LiquidityMin*MinLiquidityMultiple (200*5=1000).
	m := baseMarket()
	m.Volume = 5000
	m.OpenInterest = 900
	r := Check(m, domain.Signal{Edge: 0.10}, baseParams())
	assert.False(t, r.Admitted)
	assert.Equal(t, domain.ReasonLowLiquidity, r.Reason)
}

func TestCheck_RefusesBelowMinEdge(t *testing.T) {
	r := Check(baseMarket(), domain.Signal{Edge: 0.01}, baseParams())
	assert.False(t, r.Admitted)
	assert.Equal(t, domain.ReasonInsufficientEdge, r.Reason)
}

func TestCheck_MinEdgeUsesAbsoluteValue(t *testing.T) {
	r := Check(baseMarket(), domain.Signal{Edge: -0.10}, baseParams())
	assert.True(t, r.Admitted)
}

func TestCheck_SpreadCheckedBeforeLiquidity(t *testing.T) {
	m := baseMarket()
	m.YesAsk = ptr(60) // wide spread
	m.OpenInterest = 1 // also bad liquidity
	r := Check(m, domain.Signal{Edge: 0.10}, baseParams())
	assert.Equal(t, domain.ReasonSpreadWide, r.Reason, "spread gate must short-circuit before liquidity")
}

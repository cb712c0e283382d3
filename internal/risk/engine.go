// Package risk enforces the engine's capital-preservation limits: a
// per-trade ceiling, per-city and per-cluster exposure caps, a daily
// loss stop, and a rejection-burst detector that reports a REJECT_BURST
// risk event without halting trading. All limits are
// computed as a fraction of bankroll and all state is mutex-protected
// since the trading loop evaluates cities concurrently.
package risk

import (
	"sync"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
)

// Params are the risk engine's configured ratios, all expressed as a
// fraction of bankroll.
type Params struct {
	Bankroll              float64
	MaxTradeRiskPct       float64
	MaxCityExposurePct    float64
	MaxClusterExposurePct float64
	MaxDailyLossPct       float64
	MaxContractsPerTrade  int
	RejectBurstWindow     time.Duration
	RejectBurstThreshold  int
}

// Decision is the risk engine's verdict on a proposed trade size.
type Decision struct {
	Approved     bool
	Quantity     int // clamped quantity when Approved, 0 otherwise
	Event        *domain.RiskEvent
}

// Engine tracks in-cycle exposure and realized daily P&L to enforce caps
// across concurrent city evaluations.
type Engine struct {
	params Params

	mu                 sync.Mutex
	cityExposure       map[string]float64 // cents at risk, by city code
	clusterExposure    map[string]float64 // cents at risk, by cluster
	dailyRealizedPnL   float64
	dailyUnrealizedPnL float64
	unrealizedByTicker map[string]float64 // latest mark-to-market per open position, summed into dailyUnrealizedPnL
	dailyLossHalted    bool
	rejections         []time.Time
}

// New builds an Engine with empty exposure state.
func New(params Params) *Engine {
	return &Engine{
		params:             params,
		cityExposure:       make(map[string]float64),
		clusterExposure:    make(map[string]float64),
		unrealizedByTicker: make(map[string]float64),
	}
}

// Size evaluates whether a proposed trade of desiredQuantity contracts
// at limitPriceCents fits within the per-trade, per-city, and
// per-cluster caps, returning a possibly-reduced quantity or a refusal.
// A reduced-but-positive quantity is still Approved; it is up to the
// caller whether a partial size is worth submitting.
func (e *Engine) Size(city domain.CityConfig, desiredQuantity, limitPriceCents int) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dailyLossHalted {
		return Decision{Approved: false, Event: riskEvent(domain.RiskEventDailyLossHit, domain.SeverityCritical, nil)}
	}

	notionalPerContract := float64(limitPriceCents)
	tradeCapCents := e.params.Bankroll * e.params.MaxTradeRiskPct * 100
	cityCapCents := e.params.Bankroll * e.params.MaxCityExposurePct * 100
	clusterCapCents := e.params.Bankroll * e.params.MaxClusterExposurePct * 100

	qty := desiredQuantity
	if e.params.MaxContractsPerTrade > 0 && qty > e.params.MaxContractsPerTrade {
		qty = e.params.MaxContractsPerTrade
	}

	if maxByTrade := int(tradeCapCents / notionalPerContract); maxByTrade < qty {
		qty = maxByTrade
	}

	cityRoom := cityCapCents - e.cityExposure[city.Code]
	if maxByCity := int(cityRoom / notionalPerContract); maxByCity < qty {
		qty = maxByCity
	}

	clusterRoom := clusterCapCents - e.clusterExposure[string(city.Cluster)]
	if maxByCluster := int(clusterRoom / notionalPerContract); maxByCluster < qty {
		qty = maxByCluster
	}

	if qty <= 0 {
		ev := riskEventForBinding(city, qty, desiredQuantity, cityRoom, clusterRoom, notionalPerContract)
		return Decision{Approved: false, Event: ev}
	}

	e.cityExposure[city.Code] += notionalPerContract * float64(qty)
	e.clusterExposure[string(city.Cluster)] += notionalPerContract * float64(qty)

	return Decision{Approved: true, Quantity: qty}
}

func riskEventForBinding(city domain.CityConfig, qty, desired int, cityRoom, clusterRoom, notional float64) *domain.RiskEvent {
	if int(cityRoom/notional) <= 0 {
		return riskEvent(domain.RiskEventCityCapHit, domain.SeverityWarning, map[string]any{"city": city.Code})
	}
	if int(clusterRoom/notional) <= 0 {
		return riskEvent(domain.RiskEventClusterCapHit, domain.SeverityWarning, map[string]any{"cluster": string(city.Cluster)})
	}
	return riskEvent(domain.RiskEventTradeCapHit, domain.SeverityWarning, map[string]any{"desired": desired})
}

// IsHalted reports whether the daily loss circuit breaker has tripped.
func (e *Engine) IsHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyLossHalted
}

// RecordFill updates realized P&L for the day and halts further trading
// if realized plus the last known unrealized P&L has breached the
// daily loss cap.
func (e *Engine) RecordFill(realizedPnLCents float64) *domain.RiskEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dailyRealizedPnL += realizedPnLCents
	return e.checkDailyLossLocked()
}

// SetUnrealizedPnL records the latest mark-to-market for one open
// position (keyed by ticker) and re-evaluates the daily loss breaker
// against realized_pnl_today + unrealized_pnl, since open positions can
// breach the cap on paper losses alone even with no fill this cycle.
func (e *Engine) SetUnrealizedPnL(ticker string, markToMarketCents float64) *domain.RiskEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unrealizedByTicker[ticker] = markToMarketCents
	e.dailyUnrealizedPnL = 0
	for _, v := range e.unrealizedByTicker {
		e.dailyUnrealizedPnL += v
	}
	return e.checkDailyLossLocked()
}

// ClearUnrealizedPnL drops a closed position's mark-to-market
// contribution to the daily loss check.
func (e *Engine) ClearUnrealizedPnL(ticker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.unrealizedByTicker, ticker)
	e.dailyUnrealizedPnL = 0
	for _, v := range e.unrealizedByTicker {
		e.dailyUnrealizedPnL += v
	}
}

func (e *Engine) checkDailyLossLocked() *domain.RiskEvent {
	dailyLossCapCents := e.params.Bankroll * e.params.MaxDailyLossPct * 100
	total := e.dailyRealizedPnL + e.dailyUnrealizedPnL

	if !e.dailyLossHalted && total <= -dailyLossCapCents {
		e.dailyLossHalted = true
		return riskEvent(domain.RiskEventDailyLossHit, domain.SeverityCritical, map[string]any{
			"realized_pnl_cents":   e.dailyRealizedPnL,
			"unrealized_pnl_cents": e.dailyUnrealizedPnL,
		})
	}
	return nil
}

// RecordRejection appends a rejection timestamp and reports a
// REJECT_BURST risk event once the sliding window holds at least
// RejectBurstThreshold rejections. It does not halt trading.
func (e *Engine) RecordRejection(now time.Time) *domain.RiskEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-e.params.RejectBurstWindow)
	kept := e.rejections[:0]
	for _, t := range e.rejections {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.rejections = kept

	if len(e.rejections) >= e.params.RejectBurstThreshold {
		return riskEvent(domain.RiskEventRejectBurst, domain.SeverityWarning, map[string]any{"count": len(e.rejections)})
	}
	return nil
}

// ResetDaily clears daily P&L tracking and the loss halt. Called once
// per trading day by the scheduler.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyRealizedPnL = 0
	e.dailyUnrealizedPnL = 0
	e.unrealizedByTicker = make(map[string]float64)
	e.dailyLossHalted = false
}

// ResetCycle clears in-cycle exposure accumulators. Called at the start
// of each trading cycle so caps apply per-cycle, not cumulatively
// forever.
func (e *Engine) ResetCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cityExposure = make(map[string]float64)
	e.clusterExposure = make(map[string]float64)
}

func riskEvent(t domain.RiskEventType, sev domain.Severity, payload map[string]any) *domain.RiskEvent {
	return &domain.RiskEvent{
		EventType: t,
		Severity:  sev,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Package loop implements the trading cycle orchestrator: the
// fixed-interval scheduler that reconciles OMS state, fans out
// per-city evaluation to a bounded worker pool, and enforces the
// configured mode (shadow/paper/live) before any order reaches the
// exchange.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/weatheredge/internal/cities"
	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
	"github.com/aristath/weatheredge/internal/gates"
	"github.com/aristath/weatheredge/internal/oms"
	"github.com/aristath/weatheredge/internal/repository"
	"github.com/aristath/weatheredge/internal/risk"
	"github.com/aristath/weatheredge/internal/strategy"
	"github.com/aristath/weatheredge/pkg/timing"
)

// WeatherSource is the subset of weather.Provider the loop depends on.
type WeatherSource interface {
	Get(ctx context.Context, city domain.CityConfig) (domain.WeatherSnapshot, error)
}

// MarketSource is the subset of market.Provider the loop depends on.
type MarketSource interface {
	ListActive(ctx context.Context, cityCode string, eventDate time.Time) ([]string, error)
	Quote(ctx context.Context, ticker string) (domain.MarketSnapshot, error)
}

// Config configures an Orchestrator.
type Config struct {
	Mode                 domain.Mode
	CycleInterval        time.Duration
	ErrorSleep           time.Duration
	RepriceInterval      time.Duration
	MaxChaseCents        int
	MaxContractsPerTrade int
	CityWorkerPoolSize   int
	CycleBudget          time.Duration

	StrategyParams strategy.Params
	GatesParams    gates.Params

	Cities  *cities.Registry
	Weather WeatherSource
	Market  MarketSource
	Risk    *risk.Engine
	OMS     *oms.Manager
	Ops     *repository.OpsRepository
	Logger  zerolog.Logger
}

// Orchestrator runs trading cycles until its context is canceled.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu                  sync.Mutex
	lastActedAt         map[string]time.Time // intent key -> last submit/reprice time, for the reprice interval
	fillsCursor         time.Time            // advanced after each successful in-cycle fill reconciliation
	lastRealizedByTicker map[string]float64  // exchange position's cumulative realized P&L last seen, by ticker
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.CityWorkerPoolSize <= 0 {
		cfg.CityWorkerPoolSize = 10
	}
	return &Orchestrator{
		cfg:                  cfg,
		logger:               cfg.Logger.With().Str("component", "loop").Logger(),
		lastActedAt:          make(map[string]time.Time),
		fillsCursor:          time.Now().Add(-24 * time.Hour),
		lastRealizedByTicker: make(map[string]float64),
	}
}

// Run executes cycles on CycleInterval until ctx is canceled. A cycle
// that returns an error sleeps ErrorSleep instead of CycleInterval
// before retrying.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		cycleErr := o.RunCycle(ctx)

		sleep := o.cfg.CycleInterval
		if cycleErr != nil {
			o.logger.Error().Err(cycleErr).Msg("cycle failed")
			sleep = o.cfg.ErrorSleep
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// RunCycle executes exactly one trading cycle: reconcile, circuit-breaker
// check, then bounded per-city fan-out.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	defer timing.OperationTimer("trading_cycle", o.logger)()

	cycleCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.CycleBudget > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, o.cfg.CycleBudget)
		defer cancel()
	}

	if err := o.reconcile(cycleCtx); err != nil {
		o.logger.Error().Err(err).Msg("reconciliation failed, continuing cycle with stale local state")
	}

	o.cfg.Risk.ResetCycle()

	if o.cfg.Risk.IsHalted() {
		o.logger.Warn().Msg("daily loss circuit breaker tripped, skipping cycle")
		return nil
	}

	g, gctx := errgroup.WithContext(cycleCtx)
	sem := semaphore.NewWeighted(int64(o.cfg.CityWorkerPoolSize))

	for _, city := range o.cfg.Cities.All() {
		city := city
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := o.processCity(gctx, city); err != nil {
				o.logger.Error().Err(err).Str("city", city.Code).Msg("city processing failed")
			}
			return nil
		})
	}

	return g.Wait()
}

// reconcile replays exchange-authoritative order state into local
// storage, imports any orphaned exchange orders, and — outside SHADOW
// mode, where no order ever reaches the exchange — syncs fills and
// positions so realized and unrealized P&L reflect real account state.
// Mandatory at the start of every cycle.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	open, err := o.cfg.Ops.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}

	adjusted, events, err := o.cfg.OMS.Reconcile(ctx, open)
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.ID = uuid.NewString()
		if err := o.cfg.Ops.SaveRiskEvent(ctx, ev); err != nil {
			o.logger.Error().Err(err).Msg("saving reconcile-import risk event")
		}
	}
	if len(adjusted) > 0 {
		o.logger.Info().Int("count", len(adjusted)).Msg("reconciled orders against exchange")
	}

	if o.cfg.Mode == domain.ModeShadow {
		return nil
	}
	return o.syncFillsAndPositions(ctx)
}

// syncFillsAndPositions fetches fills since the last cursor and the
// exchange's current positions, persisting both and feeding realized
// P&L deltas into the risk engine's daily loss check.
func (o *Orchestrator) syncFillsAndPositions(ctx context.Context) error {
	o.mu.Lock()
	since := o.fillsCursor
	o.mu.Unlock()
	now := time.Now()

	fills, _, err := o.cfg.OMS.ReconcileFills(ctx, since)
	if err != nil {
		return fmt.Errorf("reconciling fills: %w", err)
	}
	for _, f := range fills {
		if err := o.cfg.Ops.SaveFill(ctx, f); err != nil {
			o.logger.Error().Err(err).Str("fill_id", f.ID).Msg("saving reconciled fill")
		}
	}

	o.mu.Lock()
	o.fillsCursor = now
	o.mu.Unlock()

	positions, err := o.cfg.OMS.Positions(ctx)
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}
	for _, p := range positions {
		cityCode, err := o.cfg.Ops.CityCodeForTicker(ctx, p.Ticker)
		if err != nil {
			o.logger.Error().Err(err).Str("ticker", p.Ticker).Msg("looking up city code for position")
		}
		status := domain.PositionOpen
		if p.QuantityOpen <= 0 {
			status = domain.PositionClosed
		}
		pos := domain.Position{
			ID:            p.Ticker + "#" + p.Side,
			Ticker:        p.Ticker,
			CityCode:      cityCode,
			Side:          domain.Side(p.Side),
			QuantityOpen:  p.QuantityOpen,
			AvgEntryCents: p.AvgEntryCents,
			RealizedPnL:   p.RealizedPnL,
			Status:        status,
			OpenedAt:      now,
		}
		if err := o.cfg.Ops.UpsertPosition(ctx, pos); err != nil {
			o.logger.Error().Err(err).Str("ticker", p.Ticker).Msg("upserting position")
		}

		o.recordRealizedDelta(p.Ticker, p.RealizedPnL)
		if p.QuantityOpen <= 0 {
			o.cfg.Risk.ClearUnrealizedPnL(p.Ticker)
		}
	}
	return nil
}

// recordRealizedDelta feeds the change in an exchange position's
// cumulative realized P&L since it was last observed into the risk
// engine's daily loss check. Only the delta is recorded since the
// engine's dailyRealizedPnL accumulates across calls within the day.
func (o *Orchestrator) recordRealizedDelta(ticker string, cumulativeRealizedCents float64) {
	o.mu.Lock()
	last := o.lastRealizedByTicker[ticker]
	o.lastRealizedByTicker[ticker] = cumulativeRealizedCents
	o.mu.Unlock()

	delta := cumulativeRealizedCents - last
	if delta == 0 {
		return
	}
	if ev := o.cfg.Risk.RecordFill(delta); ev != nil {
		ev.ID = uuid.NewString()
		if err := o.cfg.Ops.SaveRiskEvent(context.Background(), *ev); err != nil {
			o.logger.Error().Err(err).Msg("saving daily-loss risk event")
		}
	}
}

// processCity runs the fixed fetch -> evaluate -> gate -> risk -> place
// sequence for one city's candidate markets.
func (o *Orchestrator) processCity(ctx context.Context, city domain.CityConfig) error {
	timer := timing.NewTimer("process_city:"+city.Code, o.logger)
	defer timer.Stop()

	snap, err := o.cfg.Weather.Get(ctx, city)
	if err != nil {
		return fmt.Errorf("fetching weather for %s: %w", city.Code, err)
	}
	snap.ID = uuid.NewString()
	if err := o.cfg.Ops.SaveWeatherSnapshot(ctx, snap); err != nil {
		o.logger.Error().Err(err).Str("city", city.Code).Msg("saving weather snapshot")
	}

	if snap.Stale {
		ev := domain.RiskEvent{
			ID:        uuid.NewString(),
			EventType: domain.RiskEventStaleWeather,
			Severity:  domain.SeverityWarning,
			Payload:   map[string]any{"city": city.Code},
			CreatedAt: time.Now(),
		}
		if err := o.cfg.Ops.SaveRiskEvent(ctx, ev); err != nil {
			o.logger.Error().Err(err).Msg("saving stale weather risk event")
		}
		return nil
	}

	eventDate := time.Now().In(mustLoadLocation(city.Timezone)).Truncate(24 * time.Hour)
	tickers, err := o.cfg.Market.ListActive(ctx, city.Code, eventDate)
	if err != nil {
		return fmt.Errorf("listing markets for %s: %w", city.Code, err)
	}

	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := o.processMarket(ctx, city, snap, ticker); err != nil {
			o.logger.Error().Err(err).Str("city", city.Code).Str("ticker", ticker).Msg("processing market")
		}
	}
	return nil
}

// markToMarket feeds an open position's current unrealized P&L into the
// risk engine's daily loss check using the market's latest mid price,
// so a position can trip the daily loss breaker on paper losses alone
// even with no fill this cycle.
func (o *Orchestrator) markToMarket(ctx context.Context, mkt domain.MarketSnapshot) {
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		pos, err := o.cfg.Ops.PositionByTicker(ctx, mkt.Ticker, side)
		if err != nil {
			o.logger.Error().Err(err).Str("ticker", mkt.Ticker).Msg("loading position for mark-to-market")
			continue
		}
		if pos == nil || pos.QuantityOpen <= 0 {
			continue
		}

		midYes, ok := mkt.MidYes()
		if !ok {
			continue
		}
		markCents := midYes
		if side == domain.SideNo {
			markCents = 100 - midYes
		}

		unrealized := (markCents - pos.AvgEntryCents) * float64(pos.QuantityOpen)
		if ev := o.cfg.Risk.SetUnrealizedPnL(mkt.Ticker, unrealized); ev != nil {
			ev.ID = uuid.NewString()
			if err := o.cfg.Ops.SaveRiskEvent(ctx, *ev); err != nil {
				o.logger.Error().Err(err).Msg("saving daily-loss risk event")
			}
		}
	}
}

// processMarket evaluates one candidate market and, if admitted, sizes
// and places an order for it.
func (o *Orchestrator) processMarket(ctx context.Context, city domain.CityConfig, snap domain.WeatherSnapshot, ticker string) error {
	mkt, err := o.cfg.Market.Quote(ctx, ticker)
	if err != nil {
		return fmt.Errorf("quoting %s: %w", ticker, err)
	}
	mkt.ID = uuid.NewString()
	if err := o.cfg.Ops.SaveMarketSnapshot(ctx, mkt); err != nil {
		o.logger.Error().Err(err).Str("ticker", ticker).Msg("saving market snapshot")
	}

	o.markToMarket(ctx, mkt)

	sig := strategy.Evaluate(snap, mkt, o.cfg.StrategyParams, time.Now())
	sig.ID = uuid.NewString()
	if err := o.cfg.Ops.SaveSignal(ctx, sig); err != nil {
		o.logger.Error().Err(err).Str("ticker", ticker).Msg("saving signal")
	}

	if sig.Action != domain.ActionBuy {
		return nil
	}

	desiredQuantity := o.cfg.MaxContractsPerTrade
	gateResult := gates.Check(mkt, sig, o.cfg.GatesParams)
	if !gateResult.Admitted {
		return nil
	}

	decision := o.cfg.Risk.Size(city, desiredQuantity, sig.MaxPriceCents)
	if decision.Event != nil {
		ev := *decision.Event
		ev.ID = uuid.NewString()
		if err := o.cfg.Ops.SaveRiskEvent(ctx, ev); err != nil {
			o.logger.Error().Err(err).Msg("saving risk event")
		}
	}
	if !decision.Approved || decision.Quantity <= 0 {
		return nil
	}

	intent := domain.Intent{
		CityCode:     city.Code,
		Ticker:       mkt.Ticker,
		Side:         sig.Side,
		StrategyName: strategy.Name,
		EventDate:    mkt.EventDate,
	}

	if o.cfg.Mode == domain.ModeShadow {
		return o.simulateShadowFill(ctx, intent, decision.Quantity, sig.MaxPriceCents)
	}

	return o.placeOrRepriceOrder(ctx, intent, decision.Quantity, sig.MaxPriceCents)
}

// placeOrRepriceOrder submits a new order for intent, or reprices an
// existing resting order once RepriceInterval has elapsed since it was
// last acted on.
func (o *Orchestrator) placeOrRepriceOrder(ctx context.Context, intent domain.Intent, quantity, limitPriceCents int) error {
	key := oms.IntentKey(intent)

	existing, err := o.cfg.Ops.GetOrderByIntentKey(ctx, key)
	if err != nil {
		return err
	}

	if existing == nil {
		if _, err := o.cfg.OMS.Submit(ctx, intent, 1, quantity, limitPriceCents); err != nil {
			if ev := o.cfg.Risk.RecordRejection(time.Now()); ev != nil {
				ev.ID = uuid.NewString()
				if err := o.cfg.Ops.SaveRiskEvent(ctx, *ev); err != nil {
					o.logger.Error().Err(err).Msg("saving reject-burst risk event")
				}
			}
			return err
		}
		o.markActed(key)
		return nil
	}

	if oms.IsTerminal(existing.Status) {
		return nil
	}

	if existing.LimitPriceCents == limitPriceCents {
		return nil
	}
	if !o.shouldReprice(key) {
		return nil
	}

	if _, err := o.cfg.OMS.Reprice(ctx, *existing, limitPriceCents, o.cfg.MaxChaseCents); err != nil {
		if errs.Is(err, errs.ErrRiskCapExceeded) {
			// Chase distance exceeded; leave the resting order as-is rather
			// than canceling it for nothing.
			return nil
		}
		return err
	}
	o.markActed(key)
	return nil
}

// simulateShadowFill records a synthetic filled order for SHADOW mode:
// no exchange call is made, but the full audit trail (order, fill) is
// written as if the order filled immediately at the requested price.
func (o *Orchestrator) simulateShadowFill(ctx context.Context, intent domain.Intent, quantity, limitPriceCents int) error {
	key := oms.IntentKey(intent)
	if existing, err := o.cfg.Ops.GetOrderByIntentKey(ctx, key); err == nil && existing != nil {
		return nil
	}

	now := time.Now()
	order := domain.Order{
		ID:            uuid.NewString(),
		IntentKey:     key,
		IntentVersion: 1,
		CityCode:      intent.CityCode,
		Ticker:        intent.Ticker,
		Side:          intent.Side,
		Quantity:      quantity,
		LimitPriceCents: limitPriceCents,
		Status:        domain.OrderFilled,
		ClientOrderID: oms.ClientOrderID(key, 1),
		Reason:        "SHADOW_SIMULATED",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.cfg.Ops.SaveOrder(ctx, order); err != nil {
		return err
	}

	fill := domain.Fill{
		ID:         uuid.NewString(),
		OrderRef:   order.ID,
		FilledAt:   now,
		Quantity:   quantity,
		PriceCents: limitPriceCents,
	}
	return o.cfg.Ops.SaveFill(ctx, fill)
}

func (o *Orchestrator) shouldReprice(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.lastActedAt[key]
	if !ok {
		return true
	}
	return time.Since(last) >= o.cfg.RepriceInterval
}

func (o *Orchestrator) markActed(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastActedAt[key] = time.Now()
}

func mustLoadLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

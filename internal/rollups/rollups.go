// Package rollups computes the analytics namespace from the ops
// namespace: per-city/per-strategy daily aggregates, per-cluster
// aggregates, equity-curve snapshots, and the redacted public fill
// feed. Every job is idempotent and recomputable — rerunning a day
// overwrites that day's rows rather than accumulating, so a missed or
// duplicated cron tick never corrupts the analytics namespace.
package rollups

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/weatheredge/internal/cities"
	"github.com/aristath/weatheredge/internal/repository"
	"github.com/aristath/weatheredge/internal/strategy"
)

func truncateToUTCDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func defaultClock() time.Time { return time.Now() }

// FillPublisherJob moves fills from the private ops namespace into the
// redacted public_fills feed once they have aged past PublicDelay. It
// never exposes an order ID, intent key, or raw payload — only city,
// ticker, side, quantity, and price, with the fill timestamp rounded
// to the minute.
type FillPublisherJob struct {
	Ops         *repository.OpsRepository
	Analytics   *repository.AnalyticsRepository
	PublicDelay time.Duration
	Clock       func() time.Time
	Logger      zerolog.Logger
}

// Name implements scheduler.Job.
func (j *FillPublisherJob) Name() string { return "publish-fills" }

func (j *FillPublisherJob) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return defaultClock()
}

// Run implements scheduler.Job. It republishes every fill older than
// PublicDelay on every tick; PublishFill's INSERT OR IGNORE makes this
// safe to call repeatedly for the same fill.
func (j *FillPublisherJob) Run() error {
	ctx := context.Background()
	delay := j.PublicDelay
	if delay <= 0 {
		delay = time.Hour
	}
	cutoff := j.now().Add(-delay)

	fills, err := j.Ops.FillsFilledBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("loading fills eligible for publication: %w", err)
	}

	computedAt := j.now()
	published := 0
	for _, f := range fills {
		pf := repository.PublicFill{
			ID:             f.FillID,
			CityCode:       f.CityCode,
			Ticker:         f.Ticker,
			Side:           f.Side,
			Quantity:       f.Quantity,
			PriceCents:     f.PriceCents,
			FilledAtMinute: f.FilledAt.Truncate(time.Minute),
		}
		if err := j.Analytics.PublishFill(ctx, pf, computedAt); err != nil {
			return fmt.Errorf("publishing fill %s: %w", f.FillID, err)
		}
		published++
	}

	j.Logger.Info().Int("published", published).Time("cutoff", cutoff).Msg("public fill feed updated")
	return nil
}

// DailyRollupJob aggregates the prior UTC day's fills into per-city,
// per-strategy daily_rollups rows.
type DailyRollupJob struct {
	Ops       *repository.OpsRepository
	Analytics *repository.AnalyticsRepository
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// Name implements scheduler.Job.
func (j *DailyRollupJob) Name() string { return "daily-rollup" }

func (j *DailyRollupJob) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return defaultClock()
}

// Run implements scheduler.Job, rolling up the UTC day that just ended.
func (j *DailyRollupJob) Run() error {
	day := truncateToUTCDate(j.now()).Add(-24 * time.Hour)
	return j.RunFor(day)
}

// RunFor recomputes the rollup for the UTC day containing day, from
// scratch, and upserts it. Exposed separately from Run so a backfill or
// `rollups` CLI invocation can target an arbitrary past day.
func (j *DailyRollupJob) RunFor(day time.Time) error {
	ctx := context.Background()
	start := truncateToUTCDate(day)
	end := start.Add(24 * time.Hour)

	fills, err := j.Ops.FillsBetween(ctx, start, end)
	if err != nil {
		return fmt.Errorf("loading fills for %s: %w", start.Format("2006-01-02"), err)
	}

	byCity := make(map[string]*repository.DailyRollup)
	for _, f := range fills {
		agg, ok := byCity[f.CityCode]
		if !ok {
			agg = &repository.DailyRollup{
				RollupDate:   start.Format("2006-01-02"),
				CityCode:     f.CityCode,
				StrategyName: strategy.Name,
			}
			byCity[f.CityCode] = agg
		}
		agg.Trades++
		agg.ContractsTraded += f.Quantity
		agg.RealizedPnLCents += f.RealizedPnL
		switch {
		case f.RealizedPnL > 0:
			agg.WinCount++
		case f.RealizedPnL < 0:
			agg.LossCount++
		}
	}

	computedAt := j.now()
	for _, agg := range byCity {
		if err := j.Analytics.UpsertDailyRollup(ctx, *agg, computedAt); err != nil {
			return fmt.Errorf("upserting rollup for %s: %w", agg.CityCode, err)
		}
	}

	j.Logger.Info().Str("date", start.Format("2006-01-02")).Int("cities", len(byCity)).Msg("daily rollup computed")
	return nil
}

// ClusterRollupJob aggregates the prior UTC day's fills into
// per-cluster rollup rows, grouping cities by their correlation
// cluster so a single weather system's exposure is visible at a
// glance.
type ClusterRollupJob struct {
	Ops       *repository.OpsRepository
	Analytics *repository.AnalyticsRepository
	Cities    *cities.Registry
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// Name implements scheduler.Job.
func (j *ClusterRollupJob) Name() string { return "cluster-rollup" }

func (j *ClusterRollupJob) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return defaultClock()
}

// Run implements scheduler.Job.
func (j *ClusterRollupJob) Run() error {
	day := truncateToUTCDate(j.now()).Add(-24 * time.Hour)
	return j.RunFor(day)
}

// RunFor recomputes the cluster rollup for the UTC day containing day.
func (j *ClusterRollupJob) RunFor(day time.Time) error {
	ctx := context.Background()
	start := truncateToUTCDate(day)
	end := start.Add(24 * time.Hour)

	fills, err := j.Ops.FillsBetween(ctx, start, end)
	if err != nil {
		return fmt.Errorf("loading fills for %s: %w", start.Format("2006-01-02"), err)
	}

	byCluster := make(map[string]*repository.ClusterRollup)
	for _, f := range fills {
		cluster := f.CityCode
		if city, ok := j.Cities.Get(f.CityCode); ok {
			cluster = string(city.Cluster)
		}
		agg, ok := byCluster[cluster]
		if !ok {
			agg = &repository.ClusterRollup{RollupDate: start.Format("2006-01-02"), Cluster: cluster}
			byCluster[cluster] = agg
		}
		agg.Trades++
		agg.RealizedPnLCents += f.RealizedPnL
	}

	computedAt := j.now()
	for _, agg := range byCluster {
		if err := j.Analytics.UpsertClusterRollup(ctx, *agg, computedAt); err != nil {
			return fmt.Errorf("upserting cluster rollup for %s: %w", agg.Cluster, err)
		}
	}

	j.Logger.Info().Str("date", start.Format("2006-01-02")).Int("clusters", len(byCluster)).Msg("cluster rollup computed")
	return nil
}

// EquityCurveJob snapshots bankroll plus cumulative realized P&L as of
// the end of the prior UTC day.
type EquityCurveJob struct {
	Ops           *repository.OpsRepository
	Analytics     *repository.AnalyticsRepository
	BankrollCents float64
	Clock         func() time.Time
	Logger        zerolog.Logger
}

// Name implements scheduler.Job.
func (j *EquityCurveJob) Name() string { return "equity-curve" }

func (j *EquityCurveJob) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return defaultClock()
}

// Run implements scheduler.Job.
func (j *EquityCurveJob) Run() error {
	day := truncateToUTCDate(j.now()).Add(-24 * time.Hour)
	return j.RunFor(day)
}

// RunFor recomputes the equity-curve point for the UTC day containing
// day from the full fill history, so it is always consistent with
// RunFor being called out of order or more than once.
func (j *EquityCurveJob) RunFor(day time.Time) error {
	ctx := context.Background()
	start := truncateToUTCDate(day)
	end := start.Add(24 * time.Hour)

	cumPnL, err := j.Ops.TotalRealizedPnLThrough(ctx, end)
	if err != nil {
		return fmt.Errorf("summing realized P&L through %s: %w", start.Format("2006-01-02"), err)
	}

	bankroll := j.BankrollCents + cumPnL
	computedAt := j.now()
	if err := j.Analytics.UpsertEquityPoint(ctx, start.Format("2006-01-02"), bankroll, cumPnL, computedAt); err != nil {
		return fmt.Errorf("upserting equity point for %s: %w", start.Format("2006-01-02"), err)
	}

	j.Logger.Info().Str("date", start.Format("2006-01-02")).Float64("bankroll_cents", bankroll).Msg("equity curve point computed")
	return nil
}

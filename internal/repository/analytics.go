package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aristath/weatheredge/internal/database"
	"github.com/aristath/weatheredge/internal/domain"
)

// AnalyticsRepository persists derived rollups and the redacted public
// fill feed. Nothing here is a source of truth — it is computed from
// the ops namespace and safe to rebuild.
type AnalyticsRepository struct {
	db *database.DB
}

// NewAnalyticsRepository wraps an already-migrated analytics database.
func NewAnalyticsRepository(db *database.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// DailyRollup is one (date, city, strategy) aggregate row.
type DailyRollup struct {
	RollupDate       string
	CityCode         string
	StrategyName     string
	Trades           int
	ContractsTraded  int
	RealizedPnLCents float64
	WinCount         int
	LossCount        int
}

// UpsertDailyRollup idempotently writes one daily rollup row: rerunning
// the rollup job for the same date overwrites rather than accumulates.
func (r *AnalyticsRepository) UpsertDailyRollup(ctx context.Context, roll DailyRollup, computedAt time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO daily_rollups (rollup_date, city_code, strategy_name, trades, contracts_traded, realized_pnl_cents, win_count, loss_count, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rollup_date, city_code, strategy_name) DO UPDATE SET
			trades = excluded.trades,
			contracts_traded = excluded.contracts_traded,
			realized_pnl_cents = excluded.realized_pnl_cents,
			win_count = excluded.win_count,
			loss_count = excluded.loss_count,
			computed_at = excluded.computed_at`,
		roll.RollupDate, roll.CityCode, roll.StrategyName, roll.Trades, roll.ContractsTraded,
		roll.RealizedPnLCents, roll.WinCount, roll.LossCount, computedAt.Format(time.RFC3339),
	)
	return err
}

// ClusterRollup is one (date, cluster) aggregate row.
type ClusterRollup struct {
	RollupDate       string
	Cluster          string
	RealizedPnLCents float64
	Trades           int
}

// UpsertClusterRollup idempotently writes one cluster rollup row.
func (r *AnalyticsRepository) UpsertClusterRollup(ctx context.Context, roll ClusterRollup, computedAt time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO cluster_rollups (rollup_date, cluster, realized_pnl_cents, trades, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rollup_date, cluster) DO UPDATE SET
			realized_pnl_cents = excluded.realized_pnl_cents,
			trades = excluded.trades,
			computed_at = excluded.computed_at`,
		roll.RollupDate, roll.Cluster, roll.RealizedPnLCents, roll.Trades, computedAt.Format(time.RFC3339),
	)
	return err
}

// UpsertEquityPoint records the bankroll and cumulative realized P&L as
// of a given date.
func (r *AnalyticsRepository) UpsertEquityPoint(ctx context.Context, asOfDate string, bankrollCents, realizedPnLCumCents float64, computedAt time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO equity_curve (as_of_date, bankroll_cents, realized_pnl_cents_cum, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(as_of_date) DO UPDATE SET
			bankroll_cents = excluded.bankroll_cents,
			realized_pnl_cents_cum = excluded.realized_pnl_cents_cum,
			computed_at = excluded.computed_at`,
		asOfDate, bankrollCents, realizedPnLCumCents, computedAt.Format(time.RFC3339),
	)
	return err
}

// DailyRollupsForCity returns every strategy's rollup row for a city on
// a given date.
func (r *AnalyticsRepository) DailyRollupsForCity(ctx context.Context, cityCode, rollupDate string) ([]DailyRollup, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT rollup_date, city_code, strategy_name, trades, contracts_traded, realized_pnl_cents, win_count, loss_count
		FROM daily_rollups WHERE city_code = ? AND rollup_date = ?`, cityCode, rollupDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyRollup
	for rows.Next() {
		var d DailyRollup
		if err := rows.Scan(&d.RollupDate, &d.CityCode, &d.StrategyName, &d.Trades, &d.ContractsTraded, &d.RealizedPnLCents, &d.WinCount, &d.LossCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClusterRollup returns the rollup row for a cluster on a given date, or
// nil if none has been computed yet.
func (r *AnalyticsRepository) ClusterRollup(ctx context.Context, cluster, rollupDate string) (*ClusterRollup, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT rollup_date, cluster, realized_pnl_cents, trades
		FROM cluster_rollups WHERE cluster = ? AND rollup_date = ?`, cluster, rollupDate)

	var c ClusterRollup
	if err := row.Scan(&c.RollupDate, &c.Cluster, &c.RealizedPnLCents, &c.Trades); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// EquityPoint is one day's bankroll and cumulative realized P&L.
type EquityPoint struct {
	AsOfDate             string
	BankrollCents        float64
	RealizedPnLCentsCum  float64
}

// EquityCurve returns the most recent equity points, oldest first.
func (r *AnalyticsRepository) EquityCurve(ctx context.Context, limit int) ([]EquityPoint, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT as_of_date, bankroll_cents, realized_pnl_cents_cum
		FROM (SELECT * FROM equity_curve ORDER BY as_of_date DESC LIMIT ?)
		ORDER BY as_of_date ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.AsOfDate, &p.BankrollCents, &p.RealizedPnLCentsCum); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PublicFill is a redacted fill record safe to serve over the public
// read model: no order ID, no intent key, timestamp rounded to the
// minute.
type PublicFill struct {
	ID             string
	CityCode       string
	Ticker         string
	Side           domain.Side
	Quantity       int
	PriceCents     int
	FilledAtMinute time.Time
}

// PublishFill inserts a redacted fill into the public feed. Called by
// the rollup job once a fill has aged past the configured public delay.
func (r *AnalyticsRepository) PublishFill(ctx context.Context, f PublicFill, computedAt time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT OR IGNORE INTO public_fills (id, city_code, ticker, side, quantity, price_cents, filled_at_minute, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CityCode, f.Ticker, string(f.Side), f.Quantity, f.PriceCents,
		f.FilledAtMinute.Format("2006-01-02T15:04:00Z07:00"), computedAt.Format(time.RFC3339),
	)
	return err
}

// ListPublicFills returns public fills for a city, most recent first,
// bounded by limit.
func (r *AnalyticsRepository) ListPublicFills(ctx context.Context, cityCode string, limit int) ([]PublicFill, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, city_code, ticker, side, quantity, price_cents, filled_at_minute
		FROM public_fills WHERE city_code = ? ORDER BY filled_at_minute DESC LIMIT ?`, cityCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublicFill
	for rows.Next() {
		var f PublicFill
		var side, filledAt string
		if err := rows.Scan(&f.ID, &f.CityCode, &f.Ticker, &side, &f.Quantity, &f.PriceCents, &filledAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.FilledAtMinute, _ = time.Parse(time.RFC3339, filledAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Package repository persists domain records to the ops and analytics
// SQLite namespaces and implements the narrow read/write interfaces the
// OMS, trading loop, and analytics rollups depend on.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/weatheredge/internal/database"
	"github.com/aristath/weatheredge/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// OpsRepository persists the private trading state: snapshots, signals,
// orders, fills, positions, risk events, and health status.
type OpsRepository struct {
	db *database.DB
}

// NewOpsRepository wraps an already-migrated ops database.
func NewOpsRepository(db *database.DB) *OpsRepository {
	return &OpsRepository{db: db}
}

// SaveWeatherSnapshot inserts a new weather snapshot row. Snapshots are
// append-only: the engine never updates a past snapshot.
func (r *OpsRepository) SaveWeatherSnapshot(ctx context.Context, snap domain.WeatherSnapshot) error {
	ts, err := msgpack.Marshal(snap.SourceTimestamps)
	if err != nil {
		return fmt.Errorf("encoding source timestamps: %w", err)
	}

	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO weather_snapshots (id, city_code, captured_at, forecast_high_f, forecast_stddev_f, observed_temp_f, source_timestamps, stale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.CityCode, snap.CapturedAt.Format(time.RFC3339), snap.ForecastHighF, snap.ForecastStddevF,
		snap.ObservedTempF, ts, boolToInt(snap.Stale),
	)
	return err
}

// LatestWeatherSnapshot returns the most recent snapshot for a city.
func (r *OpsRepository) LatestWeatherSnapshot(ctx context.Context, cityCode string) (*domain.WeatherSnapshot, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, city_code, captured_at, forecast_high_f, forecast_stddev_f, observed_temp_f, source_timestamps, stale
		FROM weather_snapshots WHERE city_code = ? ORDER BY captured_at DESC LIMIT 1`, cityCode)

	var snap domain.WeatherSnapshot
	var capturedAt string
	var staleInt int
	var ts []byte
	if err := row.Scan(&snap.ID, &snap.CityCode, &capturedAt, &snap.ForecastHighF, &snap.ForecastStddevF, &snap.ObservedTempF, &ts, &staleInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	snap.CapturedAt, _ = time.Parse(time.RFC3339, capturedAt)
	snap.Stale = staleInt != 0
	if err := msgpack.Unmarshal(ts, &snap.SourceTimestamps); err != nil {
		return nil, fmt.Errorf("decoding source timestamps: %w", err)
	}
	return &snap, nil
}

// SaveMarketSnapshot inserts a new market snapshot row.
func (r *OpsRepository) SaveMarketSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO market_snapshots (id, ticker, city_code, threshold_f, direction, event_date, yes_bid, yes_ask, no_bid, no_ask, volume, open_interest, close_time, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Ticker, snap.CityCode, snap.ThresholdF, string(snap.Direction), snap.EventDate.Format("2006-01-02"),
		snap.YesBid, snap.YesAsk, snap.NoBid, snap.NoAsk, snap.Volume, snap.OpenInterest,
		snap.CloseTime.Format(time.RFC3339), snap.CapturedAt.Format(time.RFC3339),
	)
	return err
}

// SaveSignal inserts a new signal row.
func (r *OpsRepository) SaveSignal(ctx context.Context, sig domain.Signal) error {
	reasons, err := json.Marshal(sig.Reasons)
	if err != nil {
		return fmt.Errorf("encoding signal reasons: %w", err)
	}

	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO signals (id, city_code, ticker, strategy_name, p_yes_model, uncertainty, p_yes_market, edge, action, side, max_price_cents, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.CityCode, sig.Ticker, sig.StrategyName, sig.PYesModel, sig.Uncertainty, sig.PYesMarket, sig.Edge,
		string(sig.Action), string(sig.Side), sig.MaxPriceCents, string(reasons), sig.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// GetOrderByIntentKey returns the highest-version order for intentKey,
// or nil if none exists. Implements oms.Store.
func (r *OpsRepository) GetOrderByIntentKey(ctx context.Context, intentKey string) (*domain.Order, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, intent_key, intent_version, exchange_order_id, city_code, ticker, side, quantity, limit_price_cents, status, client_order_id, reason, created_at, updated_at
		FROM orders WHERE intent_key = ? ORDER BY intent_version DESC LIMIT 1`, intentKey)

	var o domain.Order
	var createdAt, updatedAt string
	if err := row.Scan(&o.ID, &o.IntentKey, &o.IntentVersion, &o.ExchangeOrderID, &o.CityCode, &o.Ticker, &o.Side, &o.Quantity,
		&o.LimitPriceCents, &o.Status, &o.ClientOrderID, &o.Reason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &o, nil
}

// GetOrderByExchangeOrderID returns the order matching an
// exchange-reported order ID, or nil if none is tracked locally.
// Implements oms.Store, used to join exchange fills back to local
// orders during in-cycle fill reconciliation.
func (r *OpsRepository) GetOrderByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*domain.Order, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, intent_key, intent_version, exchange_order_id, city_code, ticker, side, quantity, limit_price_cents, status, client_order_id, reason, created_at, updated_at
		FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)

	var o domain.Order
	var createdAt, updatedAt string
	if err := row.Scan(&o.ID, &o.IntentKey, &o.IntentVersion, &o.ExchangeOrderID, &o.CityCode, &o.Ticker, &o.Side, &o.Quantity,
		&o.LimitPriceCents, &o.Status, &o.ClientOrderID, &o.Reason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &o, nil
}

// SaveOrder upserts an order row keyed by ID. Implements oms.Store.
func (r *OpsRepository) SaveOrder(ctx context.Context, order domain.Order) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO orders (id, intent_key, intent_version, exchange_order_id, city_code, ticker, side, quantity, limit_price_cents, status, client_order_id, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		order.ID, order.IntentKey, order.IntentVersion, order.ExchangeOrderID, order.CityCode, order.Ticker, string(order.Side),
		order.Quantity, order.LimitPriceCents, string(order.Status), order.ClientOrderID, order.Reason,
		order.CreatedAt.Format(time.RFC3339), order.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// OpenOrders returns every order whose status has not yet reached a
// terminal state, used for startup and in-cycle reconciliation.
func (r *OpsRepository) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, intent_key, intent_version, exchange_order_id, city_code, ticker, side, quantity, limit_price_cents, status, client_order_id, reason, created_at, updated_at
		FROM orders WHERE status IN ('SUBMITTED', 'RESTING', 'PARTIAL')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var createdAt, updatedAt string
		if err := rows.Scan(&o.ID, &o.IntentKey, &o.IntentVersion, &o.ExchangeOrderID, &o.CityCode, &o.Ticker, &o.Side, &o.Quantity,
			&o.LimitPriceCents, &o.Status, &o.ClientOrderID, &o.Reason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CityCodeForTicker returns the city code most recently captured for
// ticker, looked up from the market snapshot history. Used to attach a
// city code to an exchange-reported position, which carries none.
func (r *OpsRepository) CityCodeForTicker(ctx context.Context, ticker string) (string, error) {
	var cityCode string
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT city_code FROM market_snapshots WHERE ticker = ? ORDER BY captured_at DESC LIMIT 1`, ticker,
	).Scan(&cityCode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cityCode, err
}

// SaveFill inserts a fill row.
func (r *OpsRepository) SaveFill(ctx context.Context, fill domain.Fill) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO fills (id, order_ref, filled_at, quantity, price_cents, fees_cents, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fill.ID, fill.OrderRef, fill.FilledAt.Format(time.RFC3339), fill.Quantity, fill.PriceCents, fill.FeesCents, fill.RealizedPnL,
	)
	return err
}

// UpsertPosition inserts or updates the (ticker, side) position row.
func (r *OpsRepository) UpsertPosition(ctx context.Context, pos domain.Position) error {
	var closedAt any
	if pos.ClosedAt != nil {
		closedAt = pos.ClosedAt.Format(time.RFC3339)
	}

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO positions (id, ticker, city_code, side, quantity_open, avg_entry_cents, avg_exit_cents, realized_pnl, status, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker, side) DO UPDATE SET
			quantity_open = excluded.quantity_open,
			avg_entry_cents = excluded.avg_entry_cents,
			avg_exit_cents = excluded.avg_exit_cents,
			realized_pnl = excluded.realized_pnl,
			status = excluded.status,
			closed_at = excluded.closed_at`,
		pos.ID, pos.Ticker, pos.CityCode, string(pos.Side), pos.QuantityOpen, pos.AvgEntryCents, pos.AvgExitCents,
		pos.RealizedPnL, string(pos.Status), pos.OpenedAt.Format(time.RFC3339), closedAt,
	)
	return err
}

// PositionByTicker returns the open position for (ticker, side) used for
// mark-to-market, or nil if none is open. A market can carry separate
// YES/NO positions, so callers look up each side separately.
func (r *OpsRepository) PositionByTicker(ctx context.Context, ticker string, side domain.Side) (*domain.Position, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, ticker, city_code, side, quantity_open, avg_entry_cents, avg_exit_cents, realized_pnl, status, opened_at, closed_at
		FROM positions WHERE ticker = ? AND side = ? AND status = 'OPEN'`, ticker, string(side))

	var pos domain.Position
	var side_ string
	var openedAt string
	var closedAt sql.NullString
	if err := row.Scan(&pos.ID, &pos.Ticker, &pos.CityCode, &side_, &pos.QuantityOpen, &pos.AvgEntryCents, &pos.AvgExitCents,
		&pos.RealizedPnL, &pos.Status, &openedAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	pos.Side = domain.Side(side_)
	pos.OpenedAt, _ = time.Parse(time.RFC3339, openedAt)
	if closedAt.Valid {
		t, _ := time.Parse(time.RFC3339, closedAt.String)
		pos.ClosedAt = &t
	}
	return &pos, nil
}

// SaveRiskEvent inserts a risk event row.
func (r *OpsRepository) SaveRiskEvent(ctx context.Context, ev domain.RiskEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding risk event payload: %w", err)
	}
	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO risk_events (id, event_type, severity, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.EventType), string(ev.Severity), string(payload), ev.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// UpsertHealthStatus records the latest health state for a component.
func (r *OpsRepository) UpsertHealthStatus(ctx context.Context, h domain.HealthStatus) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO health_status (component, status, last_ok, message)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET status = excluded.status, last_ok = excluded.last_ok, message = excluded.message`,
		h.Component, string(h.Status), h.LastOK.Format(time.RFC3339), h.Message,
	)
	return err
}

// FillRecord is one fill joined back to its order, the shape the
// analytics rollup jobs aggregate over.
type FillRecord struct {
	FillID      string
	OrderID     string
	CityCode    string
	Ticker      string
	Side        domain.Side
	Quantity    int
	PriceCents  int
	RealizedPnL float64
	FilledAt    time.Time
}

// FillsBetween returns every fill whose filled_at falls in [start, end),
// joined to its order for city, ticker, and side.
func (r *OpsRepository) FillsBetween(ctx context.Context, start, end time.Time) ([]FillRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT f.id, f.order_ref, o.city_code, o.ticker, o.side, f.quantity, f.price_cents, f.realized_pnl, f.filled_at
		FROM fills f JOIN orders o ON o.id = f.order_ref
		WHERE f.filled_at >= ? AND f.filled_at < ?
		ORDER BY f.filled_at ASC`,
		start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		var side, filledAt string
		var pnl sql.NullFloat64
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.CityCode, &f.Ticker, &side, &f.Quantity, &f.PriceCents, &pnl, &filledAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.RealizedPnL = pnl.Float64
		f.FilledAt, _ = time.Parse(time.RFC3339, filledAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FillsFilledBefore returns every fill with filled_at <= cutoff, joined
// to its order, for the public-delay redaction job. Callers republish
// idempotently; there is no "already published" tracking column.
func (r *OpsRepository) FillsFilledBefore(ctx context.Context, cutoff time.Time) ([]FillRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT f.id, f.order_ref, o.city_code, o.ticker, o.side, f.quantity, f.price_cents, f.realized_pnl, f.filled_at
		FROM fills f JOIN orders o ON o.id = f.order_ref
		WHERE f.filled_at <= ?
		ORDER BY f.filled_at ASC`,
		cutoff.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		var side, filledAt string
		var pnl sql.NullFloat64
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.CityCode, &f.Ticker, &side, &f.Quantity, &f.PriceCents, &pnl, &filledAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.RealizedPnL = pnl.Float64
		f.FilledAt, _ = time.Parse(time.RFC3339, filledAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// TotalRealizedPnLThrough sums realized P&L for every fill with
// filled_at strictly before cutoff, for equity-curve snapshots.
func (r *OpsRepository) TotalRealizedPnLThrough(ctx context.Context, cutoff time.Time) (float64, error) {
	var total sql.NullFloat64
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT SUM(realized_pnl) FROM fills WHERE filled_at < ?`, cutoff.Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

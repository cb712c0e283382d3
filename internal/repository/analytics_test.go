package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/weatheredge/internal/database"
	"github.com/aristath/weatheredge/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestAnalyticsDB(t *testing.T) *database.DB {
	t.Helper()
	path := fmt.Sprintf("file:analytics_%s?mode=memory&cache=shared", t.Name())
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileStandard, Name: "analytics"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAnalyticsRepository_UpsertDailyRollupIsIdempotent(t *testing.T) {
	repo := NewAnalyticsRepository(newTestAnalyticsDB(t))
	ctx := context.Background()
	now := time.Now()

	roll := DailyRollup{RollupDate: "2026-08-01", CityCode: "NYC", StrategyName: "gaussian-threshold-v1", Trades: 3, ContractsTraded: 30, RealizedPnLCents: 1500, WinCount: 2, LossCount: 1}
	require.NoError(t, repo.UpsertDailyRollup(ctx, roll, now))

	roll.Trades = 5
	roll.RealizedPnLCents = 2000
	require.NoError(t, repo.UpsertDailyRollup(ctx, roll, now))

	var trades int
	var pnl float64
	err := repo.db.Conn().QueryRow(`SELECT trades, realized_pnl_cents FROM daily_rollups WHERE rollup_date = ? AND city_code = ? AND strategy_name = ?`,
		"2026-08-01", "NYC", "gaussian-threshold-v1").Scan(&trades, &pnl)
	require.NoError(t, err)
	require.Equal(t, 5, trades, "re-running the rollup must overwrite, not accumulate")
	require.Equal(t, 2000.0, pnl)
}

func TestAnalyticsRepository_PublishFillAndList(t *testing.T) {
	repo := NewAnalyticsRepository(newTestAnalyticsDB(t))
	ctx := context.Background()
	now := time.Now()

	f := PublicFill{ID: "f1", CityCode: "NYC", Ticker: "NYC-75-ABOVE-20260801", Side: domain.SideYes, Quantity: 10, PriceCents: 52, FilledAtMinute: now.Truncate(time.Minute)}
	require.NoError(t, repo.PublishFill(ctx, f, now))

	fills, err := repo.ListPublicFills(ctx, "NYC", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.Equal(t, "f1", fills[0].ID)
}

func TestAnalyticsRepository_PublishFillIsIdempotent(t *testing.T) {
	repo := NewAnalyticsRepository(newTestAnalyticsDB(t))
	ctx := context.Background()
	now := time.Now()

	f := PublicFill{ID: "f1", CityCode: "NYC", Ticker: "NYC-75-ABOVE-20260801", Side: domain.SideYes, Quantity: 10, PriceCents: 52, FilledAtMinute: now.Truncate(time.Minute)}
	require.NoError(t, repo.PublishFill(ctx, f, now))
	require.NoError(t, repo.PublishFill(ctx, f, now))

	fills, err := repo.ListPublicFills(ctx, "NYC", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1, "re-publishing the same fill id must not duplicate")
}

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

func newTestOpsDB(t *testing.T) *database.DB {
	t.Helper()
	path := fmt.Sprintf("file:ops_%s?mode=memory&cache=shared", t.Name())
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileStandard, Name: "ops"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpsRepository_WeatherSnapshotRoundTrip(t *testing.T) {
	repo := NewOpsRepository(newTestOpsDB(t))
	ctx := context.Background()

	obs := 72.5
	snap := domain.WeatherSnapshot{
		ID: "s1", CityCode: "NYC", CapturedAt: time.Now(), ForecastHighF: 80, ForecastStddevF: 2.5, ObservedTempF: &obs,
		SourceTimestamps: domain.SourceTimestamps{ForecastIssuedAt: time.Now(), ObservationTime: time.Now()},
	}
	require.NoError(t, repo.SaveWeatherSnapshot(ctx, snap))

	got, err := repo.LatestWeatherSnapshot(ctx, "NYC")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "NYC", got.CityCode)
	require.Equal(t, 80.0, got.ForecastHighF)
	require.NotNil(t, got.ObservedTempF)
	require.InDelta(t, 72.5, *got.ObservedTempF, 0.01)
}

func TestOpsRepository_LatestWeatherSnapshot_NoneFound(t *testing.T) {
	repo := NewOpsRepository(newTestOpsDB(t))
	got, err := repo.LatestWeatherSnapshot(context.Background(), "XXX")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOpsRepository_OrderIdempotencyByIntentKey(t *testing.T) {
	repo := NewOpsRepository(newTestOpsDB(t))
	ctx := context.Background()

	order := domain.Order{
		ID: "o1", IntentKey: "k1", IntentVersion: 1, CityCode: "NYC", Ticker: "NYC-75-ABOVE-20260801",
		Side: domain.SideYes, Quantity: 10, LimitPriceCents: 55, Status: domain.OrderNew, ClientOrderID: "c1",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, repo.SaveOrder(ctx, order))

	got, err := repo.GetOrderByIntentKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "o1", got.ID)
	require.Equal(t, domain.OrderNew, got.Status)
}

func TestOpsRepository_OpenOrders_ExcludesTerminalStates(t *testing.T) {
	repo := NewOpsRepository(newTestOpsDB(t))
	ctx := context.Background()

	open := domain.Order{ID: "o1", IntentKey: "k1", Status: domain.OrderResting, Side: domain.SideYes, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	closed := domain.Order{ID: "o2", IntentKey: "k2", Status: domain.OrderClosed, Side: domain.SideYes, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, repo.SaveOrder(ctx, open))
	require.NoError(t, repo.SaveOrder(ctx, closed))

	orders, err := repo.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "o1", orders[0].ID)
}

func TestOpsRepository_RiskEventRoundTrip(t *testing.T) {
	repo := NewOpsRepository(newTestOpsDB(t))
	ctx := context.Background()

	ev := domain.RiskEvent{ID: "r1", EventType: domain.RiskEventCityCapHit, Severity: domain.SeverityWarning, Payload: map[string]any{"city": "NYC"}, CreatedAt: time.Now()}
	require.NoError(t, repo.SaveRiskEvent(ctx, ev))

	var eventType string
	require.NoError(t, repo.db.Conn().QueryRowContext(ctx, `SELECT event_type FROM risk_events WHERE id = ?`, "r1").Scan(&eventType))
	require.Equal(t, string(domain.RiskEventCityCapHit), eventType)
}

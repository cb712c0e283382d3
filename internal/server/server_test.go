package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/weatheredge/internal/cities"
	"github.com/aristath/weatheredge/internal/database"
	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/repository"
)

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	path := fmt.Sprintf("file:server_%s?mode=memory&cache=shared", t.Name())
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileStandard, Name: "analytics"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	s := New(Config{
		Port:        0,
		Log:         zerolog.Nop(),
		AnalyticsDB: db,
		Cities:      cities.New(),
		DevMode:     true,
	})
	return s, db
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "OK", body["status"])
}

func TestServer_ListCities(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/cities", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []domain.CityConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 10)
}

func TestServer_CityFills_UnknownCity404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/cities/ZZZ/fills", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CityFills_ReturnsPublishedFills(t *testing.T) {
	s, db := newTestServer(t)
	repo := repository.NewAnalyticsRepository(db)
	now := time.Now()
	require.NoError(t, repo.PublishFill(context.Background(), repository.PublicFill{
		ID: "f1", CityCode: "NYC", Ticker: "NYC-75-ABOVE-20260801", Side: domain.SideYes,
		Quantity: 10, PriceCents: 52, FilledAtMinute: now.Truncate(time.Minute),
	}, now))

	req := httptest.NewRequest(http.MethodGet, "/api/cities/NYC/fills", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var fills []repository.PublicFill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fills))
	require.Len(t, fills, 1)
	require.Equal(t, "f1", fills[0].ID)
}

func TestServer_ClusterRollups_NoDataReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/clusters/NE/rollups", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EquityCurve_EmptyReturnsEmptyArray(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/equity-curve", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var points []repository.EquityPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Empty(t, points)
}

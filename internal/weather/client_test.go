package weather

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCity(office string) domain.CityConfig {
	return domain.CityConfig{
		Code:              "NYC",
		ForecastOffice:    office,
		ForecastGridX:     33,
		ForecastGridY:     37,
		SettlementStation: "KNYC",
	}
}

func TestProvider_Get_ParsesForecastAndObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/gridpoints/OKX/33,37/forecast":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"properties": map[string]any{
					"updateTime": time.Now().Format(time.RFC3339),
					"periods": []map[string]any{
						{"isDaytime": true, "temperature": 75},
						{"isDaytime": false, "temperature": 60},
						{"isDaytime": true, "temperature": 73},
					},
				},
			})
		case r.URL.Path == "/stations/KNYC/observations/latest":
			v := 22.0
			_ = json.NewEncoder(w).Encode(map[string]any{
				"properties": map[string]any{
					"timestamp":   time.Now().Format(time.RFC3339),
					"temperature": map[string]any{"value": v},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(Config{
		BaseURL:         srv.URL,
		CacheTTL:        5 * time.Minute,
		StaleCeiling:    30 * time.Minute,
		RateLimitPerSec: 100,
		HTTPTimeout:     2 * time.Second,
	}, zerolog.Nop())

	snap, err := p.Get(context.Background(), testCity("OKX"))
	require.NoError(t, err)
	assert.Equal(t, "NYC", snap.CityCode)
	assert.Equal(t, 75.0, snap.ForecastHighF)
	require.NotNil(t, snap.ObservedTempF)
	assert.InDelta(t, celsiusToFahrenheit(22.0), *snap.ObservedTempF, 0.01)
	assert.False(t, snap.Stale)
}

func TestProvider_Get_ServesCacheWithinTTL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gridpoints/OKX/33,37/forecast" {
			calls++
			_ = json.NewEncoder(w).Encode(map[string]any{
				"properties": map[string]any{
					"updateTime": time.Now().Format(time.RFC3339),
					"periods": []map[string]any{
						{"isDaytime": true, "temperature": 70},
					},
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(Config{
		BaseURL:         srv.URL,
		CacheTTL:        time.Hour,
		StaleCeiling:    30 * time.Minute,
		RateLimitPerSec: 100,
		HTTPTimeout:     2 * time.Second,
	}, zerolog.Nop())

	city := testCity("OKX")
	_, err := p.Get(context.Background(), city)
	require.NoError(t, err)
	_, err = p.Get(context.Background(), city)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second call within cache TTL should not re-fetch")
}

func TestProvider_Get_MarksStaleWhenUpstreamFails(t *testing.T) {
	up := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"properties": map[string]any{
				"updateTime": time.Now().Format(time.RFC3339),
				"periods": []map[string]any{
					{"isDaytime": true, "temperature": 70},
				},
			},
		})
	}))
	defer srv.Close()

	p := New(Config{
		BaseURL:         srv.URL,
		CacheTTL:        1 * time.Millisecond,
		StaleCeiling:    0, // any cached entry immediately counts as stale
		RateLimitPerSec: 100,
		HTTPTimeout:     2 * time.Second,
	}, zerolog.Nop())
	p.httpClient.RetryMax = 0

	city := testCity("OKX")
	_, err := p.Get(context.Background(), city)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	up = false

	snap, err := p.Get(context.Background(), city)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
}

func TestProvider_Get_MarksStaleWhenForecastIssueTimeExceedsCeilingDespiteSuccessfulFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/gridpoints/OKX/33,37/forecast":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"properties": map[string]any{
					"updateTime": time.Now().Add(-2 * time.Hour).Format(time.RFC3339),
					"periods": []map[string]any{
						{"isDaytime": true, "temperature": 75},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(Config{
		BaseURL:         srv.URL,
		CacheTTL:        5 * time.Minute,
		StaleCeiling:    30 * time.Minute,
		RateLimitPerSec: 100,
		HTTPTimeout:     2 * time.Second,
	}, zerolog.Nop())

	snap, err := p.Get(context.Background(), testCity("OKX"))
	require.NoError(t, err, "fetch itself succeeds even though the source data is stale")
	assert.True(t, snap.Stale, "forecast issued 2h ago exceeds a 30m staleness ceiling")
}

func TestCalibratedStddev_FallsBackBelowTwoObservations(t *testing.T) {
	assert.Equal(t, 3.5, calibratedStddev(nil))
	assert.Equal(t, 3.5, calibratedStddev([]float64{70}))
}

func TestCalibratedStddev_ComputesFromSeries(t *testing.T) {
	v := calibratedStddev([]float64{70, 72, 68, 71, 69})
	assert.Greater(t, v, 0.0)
}

// Package weather fetches forecast and observation data for a city and
// turns it into a WeatherSnapshot: a calibrated forecast high plus an
// uncertainty estimate, cached briefly and marked stale past a ceiling.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Provider fetches weather data for registered cities, caching each
// city's latest snapshot for cacheTTL and marking anything older than
// staleCeiling as unusable by the strategy.
type Provider struct {
	httpClient   *retryablehttp.Client
	limiter      *rate.Limiter
	baseURL      string
	apiKey       string
	cacheTTL     time.Duration
	staleCeiling time.Duration
	logger       zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	snapshot  domain.WeatherSnapshot
	fetchedAt time.Time
}

// Config configures a Provider.
type Config struct {
	BaseURL             string
	APIKey              string
	CacheTTL            time.Duration
	StaleCeiling        time.Duration
	RateLimitPerSec     float64
	HTTPTimeout         time.Duration
}

// New builds a Provider. The retry policy is exponential backoff with a
// 500ms base, a 4s cap, and at most 3 attempts, using retryablehttp's
// default policy: transient network errors, 429 responses, and 5xx
// responses other than 501 are retried.
func New(cfg Config, logger zerolog.Logger) *Provider {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = cfg.HTTPTimeout
	rc.Logger = nil // structured logging goes through zerolog, not retryablehttp's own logger

	return &Provider{
		httpClient:   rc,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		cacheTTL:     cfg.CacheTTL,
		staleCeiling: cfg.StaleCeiling,
		logger:       logger.With().Str("component", "weather").Logger(),
		cache:        make(map[string]cacheEntry),
	}
}

// Get returns the latest WeatherSnapshot for a city, serving from cache
// when the entry is fresher than cacheTTL. A cached entry older than
// staleCeiling is marked Stale rather than discarded, so callers can
// still see the last-known value while refusing to trade on it.
func (p *Provider) Get(ctx context.Context, city domain.CityConfig) (domain.WeatherSnapshot, error) {
	p.mu.RLock()
	entry, ok := p.cache[city.Code]
	p.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < p.cacheTTL {
		return entry.snapshot, nil
	}

	snap, err := p.fetch(ctx, city)
	if err != nil {
		if ok {
			age := time.Since(entry.fetchedAt)
			entry.snapshot.Stale = age > p.staleCeiling
			p.logger.Warn().Err(err).Str("city", city.Code).Dur("age", age).Msg("weather fetch failed, serving cached snapshot")
			return entry.snapshot, nil
		}
		return domain.WeatherSnapshot{}, fmt.Errorf("%w: weather fetch for %s: %v", errs.ErrTransientNetwork, city.Code, err)
	}

	snap.Stale = p.isStale(snap.SourceTimestamps)
	p.mu.Lock()
	p.cache[city.Code] = cacheEntry{snapshot: snap, fetchedAt: time.Now()}
	p.mu.Unlock()

	return snap, nil
}

// isStale reports whether the forecast's own issue time is already
// older than staleCeiling, independent of how recently the HTTP fetch
// itself succeeded: a successful call against a source that hasn't
// updated its forecast is exactly the condition the ceiling exists to
// catch.
func (p *Provider) isStale(ts domain.SourceTimestamps) bool {
	if ts.ForecastIssuedAt.IsZero() {
		return false
	}
	return time.Since(ts.ForecastIssuedAt) > p.staleCeiling
}

func (p *Provider) fetch(ctx context.Context, city domain.CityConfig) (domain.WeatherSnapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.WeatherSnapshot{}, err
	}

	pointsURL := fmt.Sprintf("%s/gridpoints/%s/%d,%d/forecast", p.baseURL, city.ForecastOffice, city.ForecastGridX, city.ForecastGridY)
	forecast, issuedAt, err := p.fetchForecast(ctx, pointsURL)
	if err != nil {
		return domain.WeatherSnapshot{}, err
	}

	obs, obsTime, err := p.fetchObservation(ctx, city.SettlementStation)
	if err != nil {
		p.logger.Debug().Err(err).Str("city", city.Code).Msg("observation unavailable, forecast only")
	}

	stddev := calibratedStddev(forecast.recentHighs)

	return domain.WeatherSnapshot{
		CityCode:        city.Code,
		CapturedAt:      time.Now(),
		ForecastHighF:   forecast.highF,
		ForecastStddevF: stddev,
		ObservedTempF:   obs,
		SourceTimestamps: domain.SourceTimestamps{
			ForecastIssuedAt: issuedAt,
			ObservationTime:  obsTime,
		},
	}, nil
}

type forecastResult struct {
	highF       float64
	recentHighs []float64
}

// fetchForecast calls the NWS-style gridpoint forecast endpoint and
// returns the next period's high temperature plus a short recent-highs
// series used to calibrate forecast uncertainty.
func (p *Provider) fetchForecast(ctx context.Context, endpoint string) (forecastResult, time.Time, error) {
	var body nwsForecastResponse
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return forecastResult{}, time.Time{}, err
	}
	if len(body.Properties.Periods) == 0 {
		return forecastResult{}, time.Time{}, fmt.Errorf("%w: empty forecast periods", errs.ErrDataValidation)
	}

	highs := make([]float64, 0, len(body.Properties.Periods))
	var highF float64
	found := false
	for _, period := range body.Properties.Periods {
		if period.IsDaytime {
			highs = append(highs, float64(period.Temperature))
			if !found {
				highF = float64(period.Temperature)
				found = true
			}
		}
	}
	if !found {
		return forecastResult{}, time.Time{}, fmt.Errorf("%w: no daytime period in forecast", errs.ErrDataValidation)
	}

	issuedAt, err := time.Parse(time.RFC3339, body.Properties.UpdateTime)
	if err != nil {
		issuedAt = time.Now()
	}

	return forecastResult{highF: highF, recentHighs: highs}, issuedAt, nil
}

// calibratedStddev turns a short series of forecast highs into a
// dispersion estimate via talib's standard-deviation function. With
// fewer than two observations there is nothing to measure dispersion
// against, so a conservative fixed uncertainty is used instead; this is
// a Go-idiomatic choice rather than a port of any prior behavior, since
// no reference implementation for this calibration was available.
func calibratedStddev(highs []float64) float64 {
	const fallbackStddevF = 3.5
	if len(highs) < 2 {
		return fallbackStddevF
	}
	out := talib.StdDev(highs, len(highs), 1.0)
	if len(out) == 0 {
		return fallbackStddevF
	}
	v := out[len(out)-1]
	if v <= 0 {
		return fallbackStddevF
	}
	return v
}

// fetchObservation calls the station's latest-observation endpoint. A
// missing or malformed observation is non-fatal: the forecast alone is
// sufficient to build a snapshot.
func (p *Provider) fetchObservation(ctx context.Context, station string) (*float64, time.Time, error) {
	endpoint := fmt.Sprintf("%s/stations/%s/observations/latest", p.baseURL, station)
	var body nwsObservationResponse
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return nil, time.Time{}, err
	}
	if body.Properties.Temperature.Value == nil {
		return nil, time.Time{}, fmt.Errorf("%w: observation missing temperature", errs.ErrDataValidation)
	}

	f := celsiusToFahrenheit(*body.Properties.Temperature.Value)
	obsTime, err := time.Parse(time.RFC3339, body.Properties.Timestamp)
	if err != nil {
		obsTime = time.Now()
	}
	return &f, obsTime, nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid weather endpoint: %v", errs.ErrConfig, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/geo+json")
	req.Header.Set("User-Agent", "weatheredge/1.0")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: weather api returned %d", errs.ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: weather api returned %d", errs.ErrTransientNetwork, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: weather api returned %d", errs.ErrPermanentAPI, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding weather response: %v", errs.ErrDataValidation, err)
	}
	return nil
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

type nwsForecastResponse struct {
	Properties struct {
		UpdateTime string `json:"updateTime"`
		Periods    []struct {
			IsDaytime   bool `json:"isDaytime"`
			Temperature int  `json:"temperature"`
		} `json:"periods"`
	} `json:"properties"`
}

type nwsObservationResponse struct {
	Properties struct {
		Timestamp   string `json:"timestamp"`
		Temperature struct {
			Value *float64 `json:"value"` // observations are reported in Celsius
		} `json:"temperature"`
	} `json:"properties"`
}

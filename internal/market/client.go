// Package market fetches active weather contracts and their orderbook
// state from the exchange, rate-limited to the exchange's published
// request budget.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/relvacode/iso8601"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Provider lists and quotes weather-outcome contracts on the exchange.
type Provider struct {
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKeyID   string
	privateKey string
	logger     zerolog.Logger
	stream     *QuoteStream

	lastFullMu sync.RWMutex
	lastFull   map[string]domain.MarketSnapshot
}

// Config configures a Provider.
type Config struct {
	BaseURL         string
	APIKeyID        string
	PrivateKey      string
	RateLimitPerSec float64
	HTTPTimeout     time.Duration
}

// New builds a Provider with the exchange's retry policy: exponential
// backoff starting at 500ms, capped at 4s, at most 3 attempts.
func New(cfg Config, logger zerolog.Logger) *Provider {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = cfg.HTTPTimeout
	rc.Logger = nil

	return &Provider{
		httpClient: rc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		baseURL:    cfg.BaseURL,
		apiKeyID:   cfg.APIKeyID,
		privateKey: cfg.PrivateKey,
		logger:     logger.With().Str("component", "market").Logger(),
		lastFull:   make(map[string]domain.MarketSnapshot),
	}
}

// ListActive returns the tickers of every open contract for a city
// settling on eventDate.
func (p *Provider) ListActive(ctx context.Context, cityCode string, eventDate time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("city", cityCode)
	params.Set("event_date", eventDate.Format("2006-01-02"))
	params.Set("status", "open")

	endpoint := fmt.Sprintf("%s/markets?%s", p.baseURL, params.Encode())
	var body marketsResponse
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}

	tickers := make([]string, 0, len(body.Markets))
	for _, m := range body.Markets {
		tickers = append(tickers, m.Ticker)
	}
	return tickers, nil
}

// AttachStream wires a live WebSocket quote stream so Quote can serve a
// fresh push from cache instead of a REST round-trip. Optional: Quote
// falls back to REST whenever the stream has nothing fresh for ticker,
// or no prior REST fetch established that ticker's static metadata.
func (p *Provider) AttachStream(s *QuoteStream) {
	p.stream = s
}

func (p *Provider) lastFullSnapshot(ticker string) (domain.MarketSnapshot, bool) {
	p.lastFullMu.RLock()
	defer p.lastFullMu.RUnlock()
	snap, ok := p.lastFull[ticker]
	return snap, ok
}

// Quote returns the current orderbook snapshot for ticker. When a live
// stream delta is fresh, its bid/ask/volume fields are merged onto the
// last full REST fetch's static contract metadata, avoiding a REST
// round-trip without serving a snapshot with missing fields.
func (p *Provider) Quote(ctx context.Context, ticker string) (domain.MarketSnapshot, error) {
	if p.stream != nil {
		if delta, ok := p.stream.Quote(ticker); ok {
			if full, ok := p.lastFullSnapshot(ticker); ok {
				full.YesBid, full.YesAsk, full.NoBid, full.NoAsk = delta.YesBid, delta.YesAsk, delta.NoBid, delta.NoAsk
				full.Volume = delta.Volume
				full.CapturedAt = delta.CapturedAt
				return full, nil
			}
		}
	}

	endpoint := fmt.Sprintf("%s/markets/%s", p.baseURL, url.PathEscape(ticker))
	var body quoteResponse
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return domain.MarketSnapshot{}, err
	}

	direction := domain.DirectionAbove
	if body.Direction == "below" {
		direction = domain.DirectionBelow
	}

	eventDate, err := time.Parse("2006-01-02", body.EventDate)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: invalid event_date %q: %v", errs.ErrDataValidation, body.EventDate, err)
	}
	// The exchange is inconsistent about fractional-second precision and
	// the "Z" vs offset suffix on close_time, so iso8601 is used here
	// instead of the stricter time.RFC3339 layout.
	closeTime, err := iso8601.ParseString(body.CloseTime)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: invalid close_time %q: %v", errs.ErrDataValidation, body.CloseTime, err)
	}

	snap := domain.MarketSnapshot{
		Ticker:       body.Ticker,
		CityCode:     body.City,
		ThresholdF:   body.ThresholdF,
		Direction:    direction,
		EventDate:    eventDate,
		YesBid:       body.YesBid,
		YesAsk:       body.YesAsk,
		NoBid:        body.NoBid,
		NoAsk:        body.NoAsk,
		Volume:       body.Volume,
		OpenInterest: body.OpenInterest,
		CloseTime:    closeTime,
		CapturedAt:   time.Now(),
	}

	p.lastFullMu.Lock()
	p.lastFull[body.Ticker] = snap
	p.lastFullMu.Unlock()

	return snap, nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKeyID != "" {
		req.Header.Set("KALSHI-ACCESS-KEY", p.apiKeyID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: exchange returned %d", errs.ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: exchange returned %d", errs.ErrTransientNetwork, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: exchange returned %d", errs.ErrPermanentAPI, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding market response: %v", errs.ErrDataValidation, err)
	}
	return nil
}

type marketsResponse struct {
	Markets []struct {
		Ticker string `json:"ticker"`
	} `json:"markets"`
}

type quoteResponse struct {
	Ticker       string `json:"ticker"`
	City         string `json:"city"`
	ThresholdF   float64
	Direction    string `json:"direction"`
	EventDate    string `json:"event_date"`
	YesBid       *int   `json:"yes_bid"`
	YesAsk       *int   `json:"yes_ask"`
	NoBid        *int   `json:"no_bid"`
	NoAsk        *int   `json:"no_ask"`
	Volume       int    `json:"volume"`
	OpenInterest int    `json:"open_interest"`
	CloseTime    string `json:"close_time"`
}

// UnmarshalJSON accepts threshold_f as either a number or numeric string,
// since exchange APIs are inconsistent about this across endpoints.
func (q *quoteResponse) UnmarshalJSON(data []byte) error {
	type alias quoteResponse
	aux := &struct {
		ThresholdF json.RawMessage `json:"threshold_f"`
		*alias
	}{alias: (*alias)(q)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.ThresholdF) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(aux.ThresholdF, &f); err == nil {
		q.ThresholdF = f
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.ThresholdF, &s); err == nil {
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid threshold_f %q", errs.ErrDataValidation, s)
		}
		q.ThresholdF = parsed
	}
	return nil
}

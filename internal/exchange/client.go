// Package exchange implements order placement, cancellation, and
// reconciliation against the trading venue's REST API, signing every
// request the way Kalshi's API requires: RSA-PSS over the
// concatenation of timestamp, method, and path (no separators),
// base64-encoded into the KALSHI-ACCESS-SIGNATURE header.
package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aristath/weatheredge/internal/errs"
	"github.com/aristath/weatheredge/internal/oms"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/relvacode/iso8601"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Client places and manages orders on the exchange. It implements
// oms.Exchange.
type Client struct {
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKeyID   string
	signingKey *rsa.PrivateKey
	logger     zerolog.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	APIKeyID        string
	PrivateKeyPEM   string // PKCS#1 or PKCS#8 RSA private key, PEM-encoded
	RateLimitPerSec float64
	HTTPTimeout     time.Duration
}

// New builds a Client, parsing the configured PEM private key. Returns
// an error wrapping errs.ErrConfig if the key cannot be parsed.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	key, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing exchange private key: %v", errs.ErrConfig, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = cfg.HTTPTimeout
	rc.Logger = nil

	return &Client{
		httpClient: rc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		baseURL:    cfg.BaseURL,
		apiKeyID:   cfg.APIKeyID,
		signingKey: key,
		logger:     logger.With().Str("component", "exchange").Logger(),
	}, nil
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// PlaceLimitOrder submits a new resting limit order. Implements oms.Exchange.
func (c *Client) PlaceLimitOrder(ctx context.Context, clientOrderID, ticker, side string, quantity, limitPriceCents int) (oms.ExchangeOrder, error) {
	body := placeOrderRequest{
		ClientOrderID: clientOrderID,
		Ticker:        ticker,
		Side:          side,
		Action:        "buy",
		Type:          "limit",
		Count:         quantity,
		PriceCents:    limitPriceCents,
	}

	var resp orderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/portfolio/orders", body, &resp); err != nil {
		return oms.ExchangeOrder{}, err
	}
	return resp.Order.toExchangeOrder(), nil
}

// CancelOrder cancels a resting order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(exchangeOrderID))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// GetOrder fetches the current state of one order.
func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (oms.ExchangeOrder, error) {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(exchangeOrderID))
	var resp orderResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return oms.ExchangeOrder{}, err
	}
	return resp.Order.toExchangeOrder(), nil
}

// ListOpenOrders returns every order the exchange still considers open,
// used by startup and in-cycle reconciliation.
func (c *Client) ListOpenOrders(ctx context.Context) ([]oms.ExchangeOrder, error) {
	var resp ordersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/orders?status=open", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]oms.ExchangeOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, o.toExchangeOrder())
	}
	return out, nil
}

// ListFills returns every fill the exchange has recorded since the
// given time, used to reconcile local fill/position history against
// exchange-authoritative execution in PAPER/LIVE mode.
func (c *Client) ListFills(ctx context.Context, since time.Time) ([]oms.ExchangeFill, error) {
	path := fmt.Sprintf("/portfolio/fills?min_ts=%d", since.Unix())
	var resp fillsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]oms.ExchangeFill, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		out = append(out, f.toExchangeFill())
	}
	return out, nil
}

// ListPositions returns the exchange's current view of every open
// position.
func (c *Client) ListPositions(ctx context.Context) ([]oms.ExchangePosition, error) {
	var resp positionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/positions", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]oms.ExchangePosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, p.toExchangePosition())
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", errs.ErrDataValidation, err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := c.sign(ts, method, path)
	if err != nil {
		return fmt.Errorf("%w: signing request: %v", errs.ErrAuth, err)
	}
	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", sig)

	resp, err := c.httpClient.Do(req)
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

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding exchange response: %v", errs.ErrDataValidation, err)
	}
	return nil
}

// sign computes the RSA-PSS signature the exchange requires over the
// concatenation of timestamp, HTTP method, and request path.
func (c *Client) sign(timestamp, method, path string) (string, error) {
	message := timestamp + method + path
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, c.signingKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Type          string `json:"type"`
	Count         int    `json:"count"`
	PriceCents    int    `json:"price_cents"`
}

type exchangeOrderDTO struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	Count          int    `json:"count"`
	FilledCount    int    `json:"filled_count"`
	RemainingCount int    `json:"remaining_count"`
	PriceCents     int    `json:"price_cents"`
}

func (o exchangeOrderDTO) toExchangeOrder() oms.ExchangeOrder {
	return oms.ExchangeOrder{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Ticker:          o.Ticker,
		Side:            o.Side,
		Status:          o.Status,
		Quantity:        o.Count,
		FilledQuantity:  o.FilledCount,
		RemainingQty:    o.RemainingCount,
		PriceCents:      o.PriceCents,
	}
}

type orderResponse struct {
	Order exchangeOrderDTO `json:"order"`
}

type ordersResponse struct {
	Orders []exchangeOrderDTO `json:"orders"`
}

type fillDTO struct {
	FillID     string `json:"fill_id"`
	OrderID    string `json:"order_id"`
	Ticker     string `json:"ticker"`
	Side       string `json:"side"`
	Count      int    `json:"count"`
	PriceCents int    `json:"price_cents"`
	FeesCents  int    `json:"fees_cents"`
	CreatedAt  string `json:"created_time"`
}

func (f fillDTO) toExchangeFill() oms.ExchangeFill {
	filledAt, err := iso8601.ParseString(f.CreatedAt)
	if err != nil {
		filledAt = time.Now()
	}
	return oms.ExchangeFill{
		FillID:     f.FillID,
		OrderID:    f.OrderID,
		Ticker:     f.Ticker,
		Side:       f.Side,
		Quantity:   f.Count,
		PriceCents: f.PriceCents,
		FeesCents:  f.FeesCents,
		FilledAt:   filledAt,
	}
}

type fillsResponse struct {
	Fills []fillDTO `json:"fills"`
}

type positionDTO struct {
	Ticker        string  `json:"ticker"`
	Side          string  `json:"side"`
	QuantityOpen  int     `json:"position"`
	AvgEntryCents float64 `json:"avg_entry_price_cents"`
	RealizedPnL   float64 `json:"realized_pnl_cents"`
}

func (p positionDTO) toExchangePosition() oms.ExchangePosition {
	return oms.ExchangePosition{
		Ticker:        p.Ticker,
		Side:          p.Side,
		QuantityOpen:  p.QuantityOpen,
		AvgEntryCents: p.AvgEntryCents,
		RealizedPnL:   p.RealizedPnL,
	}
}

type positionsResponse struct {
	Positions []positionDTO `json:"market_positions"`
}

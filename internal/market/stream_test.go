package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteStream_HandleMessageUpdatesCache(t *testing.T) {
	s := NewQuoteStream("wss://example.invalid/ws", []string{"NYC-75-ABOVE-20260801"}, zerolog.Nop())

	yesBid, yesAsk := 48, 52
	msg, err := json.Marshal(tickerMessage{
		Type: "ticker_v2", Ticker: "NYC-75-ABOVE-20260801",
		YesBid: &yesBid, YesAsk: &yesAsk, Volume: 500,
	})
	require.NoError(t, err)
	require.NoError(t, s.handleMessage(msg))

	snap, ok := s.Quote("NYC-75-ABOVE-20260801")
	require.True(t, ok)
	assert.Equal(t, 48, *snap.YesBid)
	assert.Equal(t, 52, *snap.YesAsk)
	assert.Equal(t, 500, snap.Volume)
}

func TestQuoteStream_Quote_StaleEntryIsIgnored(t *testing.T) {
	s := NewQuoteStream("wss://example.invalid/ws", nil, zerolog.Nop())
	s.cacheMu.Lock()
	s.cache["NYC-75-ABOVE-20260801"] = streamedQuote{at: time.Now().Add(-time.Hour)}
	s.cacheMu.Unlock()

	_, ok := s.Quote("NYC-75-ABOVE-20260801")
	assert.False(t, ok)
}

func TestQuoteStream_Quote_UnknownTickerMissesCache(t *testing.T) {
	s := NewQuoteStream("wss://example.invalid/ws", nil, zerolog.Nop())
	_, ok := s.Quote("UNKNOWN")
	assert.False(t, ok)
}

func TestProvider_Quote_PrefersFreshStreamDeltaOverREST(t *testing.T) {
	restCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		restCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ticker":      "NYC-75-ABOVE-20260801",
			"city":        "NYC",
			"threshold_f": 75.0,
			"direction":   "above",
			"event_date":  "2026-08-01",
			"yes_bid":     40,
			"yes_ask":     45,
			"volume":      100,
			"close_time":  time.Now().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, RateLimitPerSec: 100, HTTPTimeout: 2 * time.Second}, zerolog.Nop())
	full, err := p.Quote(context.Background(), "NYC-75-ABOVE-20260801")
	require.NoError(t, err)
	require.Equal(t, 1, restCalls)

	stream := NewQuoteStream(srv.URL, nil, zerolog.Nop())
	yesBid, yesAsk := 48, 52
	msg, err := json.Marshal(tickerMessage{Type: "ticker_v2", Ticker: "NYC-75-ABOVE-20260801", YesBid: &yesBid, YesAsk: &yesAsk, Volume: 900})
	require.NoError(t, err)
	require.NoError(t, stream.handleMessage(msg))
	p.AttachStream(stream)

	merged, err := p.Quote(context.Background(), "NYC-75-ABOVE-20260801")
	require.NoError(t, err)
	assert.Equal(t, 1, restCalls, "streamed delta should avoid a second REST round-trip")
	assert.Equal(t, 48, *merged.YesBid)
	assert.Equal(t, 52, *merged.YesAsk)
	assert.Equal(t, 900, merged.Volume)
	assert.Equal(t, full.CityCode, merged.CityCode)
	assert.Equal(t, full.ThresholdF, merged.ThresholdF)
}

func TestProvider_Quote_FallsBackToRESTWhenNoPriorFullSnapshot(t *testing.T) {
	restCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		restCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ticker": "CHI-40-BELOW-20260801", "city": "CHI", "threshold_f": 40.0,
			"direction": "below", "event_date": "2026-08-01", "close_time": time.Now().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, RateLimitPerSec: 100, HTTPTimeout: 2 * time.Second}, zerolog.Nop())
	stream := NewQuoteStream(srv.URL, nil, zerolog.Nop())
	msg, err := json.Marshal(tickerMessage{Type: "ticker_v2", Ticker: "CHI-40-BELOW-20260801", Volume: 10})
	require.NoError(t, err)
	require.NoError(t, stream.handleMessage(msg))
	p.AttachStream(stream)

	_, err = p.Quote(context.Background(), "CHI-40-BELOW-20260801")
	require.NoError(t, err)
	assert.Equal(t, 1, restCalls, "no prior full snapshot means the delta alone can't be served")
}

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	streamWriteWait = 10 * time.Second
	streamDialWait  = 30 * time.Second

	streamBaseReconnectDelay = 5 * time.Second
	streamMaxReconnectDelay  = 5 * time.Minute

	// quotes older than this are treated as stale and ignored in favor
	// of a fresh REST poll.
	streamCacheStaleAfter = 90 * time.Second
)

// QuoteStream maintains a live orderbook-delta cache fed by the
// exchange's WebSocket ticker channel, so the trading cycle can skip a
// REST round-trip for a ticker it already has a fresh push for.
// Reconnects with exponential backoff; a disconnected stream simply
// leaves callers falling back to Provider.Quote's REST path.
type QuoteStream struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	tickers []string

	cacheMu sync.RWMutex
	cache   map[string]streamedQuote

	stopOnce sync.Once
	stopCh   chan struct{}
}

type streamedQuote struct {
	snapshot domain.MarketSnapshot
	at       time.Time
}

// NewQuoteStream builds a stream that subscribes to the given tickers
// once connected. url is the exchange's WebSocket endpoint.
func NewQuoteStream(url string, tickers []string, log zerolog.Logger) *QuoteStream {
	return &QuoteStream{
		url:     url,
		tickers: tickers,
		log:     log.With().Str("component", "market_stream").Logger(),
		cache:   make(map[string]streamedQuote),
		stopCh:  make(chan struct{}),
	}
}

// Start dials the stream and begins the read loop in the background.
// A failed initial dial is not fatal: the reconnect loop takes over.
func (s *QuoteStream) Start(ctx context.Context) {
	if err := s.connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial market stream dial failed, reconnecting in background")
		go s.reconnectLoop(ctx)
		return
	}
	go s.readLoop(ctx)
}

// Stop closes the stream connection and halts reconnection attempts.
func (s *QuoteStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutting down")
		s.conn = nil
	}
}

// Quote returns a cached streamed quote for ticker if it arrived within
// the staleness window.
func (s *QuoteStream) Quote(ticker string) (domain.MarketSnapshot, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	q, ok := s.cache[ticker]
	if !ok || time.Since(q.at) > streamCacheStaleAfter {
		return domain.MarketSnapshot{}, false
	}
	return q.snapshot, true
}

func (s *QuoteStream) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialWait)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial market stream: %w", err)
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteWait)
	defer writeCancel()

	msg, err := json.Marshal(subscribeMessage{Channel: "ticker_v2", Tickers: s.tickers})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal subscribe")
		return err
	}
	if err := conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("subscribe to ticker channel: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Str("url", s.url).Int("tickers", len(s.tickers)).Msg("market stream connected")
	return nil
}

func (s *QuoteStream) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("market stream read failed, reconnecting")
			go s.reconnectLoop(ctx)
			return
		}

		if err := s.handleMessage(data); err != nil {
			s.log.Debug().Err(err).Msg("discarding unparseable market stream message")
		}
	}
}

func (s *QuoteStream) handleMessage(data []byte) error {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Type != "ticker_v2" || msg.Ticker == "" {
		return nil
	}

	snapshot := domain.MarketSnapshot{
		Ticker:     msg.Ticker,
		YesBid:     msg.YesBid,
		YesAsk:     msg.YesAsk,
		NoBid:      msg.NoBid,
		NoAsk:      msg.NoAsk,
		Volume:     msg.Volume,
		CapturedAt: time.Now(),
	}

	s.cacheMu.Lock()
	s.cache[msg.Ticker] = streamedQuote{snapshot: snapshot, at: time.Now()}
	s.cacheMu.Unlock()
	return nil
}

func (s *QuoteStream) reconnectLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		delay := time.Duration(float64(streamBaseReconnectDelay) * math.Pow(2, float64(attempt-1)))
		if delay > streamMaxReconnectDelay {
			delay = streamMaxReconnectDelay
		}

		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := s.connect(ctx); err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("market stream reconnect failed")
			continue
		}
		go s.readLoop(ctx)
		return
	}
}

type subscribeMessage struct {
	Channel string   `json:"channel"`
	Tickers []string `json:"tickers"`
}

type tickerMessage struct {
	Type   string `json:"type"`
	Ticker string `json:"ticker"`
	YesBid *int   `json:"yes_bid"`
	YesAsk *int   `json:"yes_ask"`
	NoBid  *int   `json:"no_bid"`
	NoAsk  *int   `json:"no_ask"`
	Volume int    `json:"volume"`
}

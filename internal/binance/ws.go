package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CloseEvent signals that a candle has settled on the exchange. The
// scheduler treats these as hints; the timer remains authoritative.
type CloseEvent struct {
	Symbol    string
	Interval  string
	CloseTime int64
}

// KlineStream maintains one combined-stream websocket over the kline
// channels of the subscribed symbols and emits an event per settled
// candle. It reconnects with backoff and resubscribes on drop.
type KlineStream struct {
	baseURL  string
	interval string
	logger   zerolog.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn

	events chan CloseEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	wsConnectTimeout = 30 * time.Second
	wsReadTimeout    = 3 * time.Minute
	wsMaxStreams     = 200 // single combined connection cap
)

func NewKlineStream(baseURL, interval string, logger zerolog.Logger) *KlineStream {
	return &KlineStream{
		baseURL:  baseURL,
		interval: interval,
		symbols:  make(map[string]struct{}),
		events:   make(chan CloseEvent, 256),
		logger:   logger.With().Str("component", "kline_stream").Logger(),
	}
}

// Events is the channel of settled-candle hints. Events are dropped,
// never queued unbounded, when the consumer falls behind.
func (s *KlineStream) Events() <-chan CloseEvent { return s.events }

// SetSymbols replaces the subscription set. Takes effect on the next
// (re)connect; callers pair it with Restart when the universe changes.
func (s *KlineStream) SetSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
}

// Start launches the read loop. Call once.
func (s *KlineStream) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run()
}

// Stop tears down the connection and waits for the loop to exit.
func (s *KlineStream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *KlineStream) run() {
	defer close(s.done)

	reconnectDelay := time.Second
	for {
		if s.ctx.Err() != nil {
			return
		}

		err := s.connectAndRead()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("stream dropped, reconnecting")
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		reconnectDelay *= 2
		if reconnectDelay > time.Minute {
			reconnectDelay = time.Minute
		}
	}
}

func (s *KlineStream) streamURL() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		if len(names) >= wsMaxStreams {
			break
		}
		names = append(names, fmt.Sprintf("%s@kline_%s", strings.ToLower(sym), s.interval))
	}
	if len(names) == 0 {
		return "", 0
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(names, "/")), len(names)
}

func (s *KlineStream) connectAndRead() error {
	u, n := s.streamURL()
	if u == "" {
		// Nothing to subscribe to yet; poll until symbols arrive.
		select {
		case <-s.ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsConnectTimeout}
	conn, _, err := dialer.DialContext(s.ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.logger.Info().Int("streams", n).Msg("kline stream connected")

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

type wsKlineEnvelope struct {
	Data struct {
		Symbol string `json:"s"`
		Kline  struct {
			Interval  string `json:"i"`
			CloseTime int64  `json:"T"`
			Final     bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (s *KlineStream) handleMessage(msg []byte) {
	var env wsKlineEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	if !env.Data.Kline.Final || env.Data.Symbol == "" {
		return
	}

	ev := CloseEvent{
		Symbol:    env.Data.Symbol,
		Interval:  env.Data.Kline.Interval,
		CloseTime: env.Data.Kline.CloseTime,
	}
	select {
	case s.events <- ev:
	default:
		// Consumer behind; hints are best-effort.
	}
}

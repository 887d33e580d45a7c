package bybit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Public stream endpoints
const (
	StreamMainnet = "wss://stream.bybit.com/v5/public/"
	StreamTestnet = "wss://stream-testnet.bybit.com/v5/public/"
)

// TickerStream subscribes to the public tickers topic and emits a Tick for
// every message that carries a last price.
type TickerStream struct {
	url            string
	symbols        []string
	pingInterval   time.Duration
	reconnectDelay time.Duration
	log            *logger.Logger
}

// NewTickerStream creates a stream for category (linear, spot, inverse)
func NewTickerStream(baseURL, category string, symbols []string, log *logger.Logger) *TickerStream {
	if log == nil {
		log = logger.Nop()
	}
	return &TickerStream{
		url:            strings.TrimRight(baseURL, "/") + "/" + category,
		symbols:        symbols,
		pingInterval:   20 * time.Second,
		reconnectDelay: 5 * time.Second,
		log:            log,
	}
}

type streamMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Data    struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// Run connects and forwards ticks until ctx is cancelled, reconnecting
// after read failures.
func (s *TickerStream) Run(ctx context.Context, out chan<- types.Tick) error {
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warning("ticker stream %s dropped: %v, reconnecting in %s", s.url, err, s.reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *TickerStream) session(ctx context.Context, out chan<- types.Tick) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	// gorilla allows one concurrent writer
	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	args := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, "tickers."+sym)
	}
	if err := write(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				if err := write(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		tick, ok, err := s.parse(raw)
		if err != nil {
			s.log.Warning("ticker stream: %v", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *TickerStream) parse(raw []byte) (types.Tick, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.Tick{}, false, fmt.Errorf("bad message: %w", err)
	}
	if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
		return types.Tick{}, false, fmt.Errorf("subscribe rejected: %s", msg.RetMsg)
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.LastPrice == "" {
		return types.Tick{}, false, nil
	}
	price := parseFloat64(msg.Data.LastPrice)
	if price <= 0 {
		return types.Tick{}, false, nil
	}
	symbol := msg.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	return types.Tick{Symbol: symbol, Price: price, Timestamp: time.UnixMilli(msg.TS)}, true, nil
}

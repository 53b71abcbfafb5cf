package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "priceflow/config"
	"priceflow/logger"
)

const defaultBybitWSURL = "wss://stream.bybit.com/v5/public/spot"

// bybitIntervals maps the shared interval notation to the tokens the bybit
// kline topics use.
var bybitIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "1d": "D",
}

// BybitWS streams closed klines through the bybit public websocket client.
// The client delivers frames through a callback, so Stream only holds the
// connection open; silence is caught by the supervisor's heartbeat watchdog.
type BybitWS struct {
	config  *appconfig.Config
	emitter *Emitter
	log     *logger.Log
	mu      sync.Mutex
	ws      *bybit.WebSocket
	last    time.Time
}

func NewBybitWS(cfg *appconfig.Config, emitter *Emitter) *BybitWS {
	return &BybitWS{
		config:  cfg,
		emitter: emitter,
		log:     logger.GetLogger(),
	}
}

func (w *BybitWS) Name() string { return "bybit_ws" }

func (w *BybitWS) Connect(ctx context.Context) error {
	url := w.config.Feeds.Bybit.URL
	if url == "" {
		url = defaultBybitWSURL
	}

	interval := "1m"
	if len(w.config.Feeds.Intervals) > 0 {
		interval = w.config.Feeds.Intervals[0]
	}
	token, ok := bybitIntervals[interval]
	if !ok {
		return fmt.Errorf("unsupported bybit interval %q", interval)
	}

	topics := make([]string, 0, len(w.config.Feeds.Symbols))
	for _, sym := range w.config.Feeds.Symbols {
		topics = append(topics, fmt.Sprintf("kline.%s.%s", token, strings.ToUpper(sym)))
	}
	if len(topics) == 0 {
		return fmt.Errorf("no symbols configured")
	}

	log := w.log.WithComponent("bybit_ws")
	handler := func(message string) error {
		w.touch()
		w.handleFrame(ctx, log, message)
		return nil
	}

	ws := bybit.NewBybitPublicWebSocket(url, handler)
	ws.Connect().SendSubscription(topics)

	w.mu.Lock()
	w.ws = ws
	w.mu.Unlock()

	log.WithFields(logger.Fields{"topics": topics}).Debug("bybit stream connected")
	return nil
}

func (w *BybitWS) Stream(ctx context.Context) error {
	w.mu.Lock()
	ws := w.ws
	w.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}

	<-ctx.Done()
	ws.Disconnect()
	return ctx.Err()
}

func (w *BybitWS) LastMessage() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *BybitWS) touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

type bybitKlineFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		Close   string `json:"close"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

func (w *BybitWS) handleFrame(ctx context.Context, log *logger.Entry, message string) {
	var frame bybitKlineFrame
	if err := json.Unmarshal([]byte(message), &frame); err != nil {
		return
	}
	if !strings.HasPrefix(frame.Topic, "kline.") {
		return
	}
	parts := strings.Split(frame.Topic, ".")
	if len(parts) < 3 {
		return
	}
	symbol := parts[2]

	for _, k := range frame.Data {
		if !k.Confirm {
			continue
		}
		rec, err := parseKlineStrings(ExchangeBybit, symbol, k.Start, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			log.WithError(err).Warn("failed to normalize kline frame")
			continue
		}
		if w.emitter.Emit(ctx, rec) {
			logger.IncrementStreamRead(len(message))
		}
	}
}

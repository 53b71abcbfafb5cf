package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "priceflow/config"
	"priceflow/internal/model"
	"priceflow/logger"
)

const defaultBinanceWSURL = "wss://stream.binance.com:9443"

// BinanceWS streams closed klines over the Binance combined stream. The
// reconnect loop lives in the supervisor; this adapter only dials, reads
// and normalizes.
type BinanceWS struct {
	config  *appconfig.Config
	emitter *Emitter
	log     *logger.Log
	mu      sync.Mutex
	conn    *websocket.Conn
	last    time.Time
}

func NewBinanceWS(cfg *appconfig.Config, emitter *Emitter) *BinanceWS {
	return &BinanceWS{
		config:  cfg,
		emitter: emitter,
		log:     logger.GetLogger(),
	}
}

func (w *BinanceWS) Name() string { return "binance_ws" }

func (w *BinanceWS) Connect(ctx context.Context) error {
	base := w.config.Feeds.Binance.WS.URL
	if base == "" {
		base = defaultBinanceWSURL
	}
	interval := "1m"
	if len(w.config.Feeds.Intervals) > 0 {
		interval = w.config.Feeds.Intervals[0]
	}

	streams := make([]string, 0, len(w.config.Feeds.Symbols))
	for _, sym := range w.config.Feeds.Symbols {
		streams = append(streams, strings.ToLower(sym)+"@kline_"+interval)
	}
	if len(streams) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	url := base + "/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{HandshakeTimeout: w.config.Feeds.Timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial binance stream: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.log.WithComponent("binance_ws").WithFields(logger.Fields{
		"streams": len(streams),
	}).Debug("binance stream connected")
	return nil
}

func (w *BinanceWS) Stream(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	defer conn.Close()

	// Closing the connection is the only way to unblock ReadMessage when
	// the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log := w.log.WithComponent("binance_ws")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read binance stream: %w", err)
		}
		w.touch()
		w.handleFrame(ctx, log, msg)
	}
}

func (w *BinanceWS) LastMessage() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *BinanceWS) touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

type binanceKlineFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime int64  `json:"t"`
			Symbol   string `json:"s"`
			Interval string `json:"i"`
			Open     string `json:"o"`
			Close    string `json:"c"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Volume   string `json:"v"`
			Closed   bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (w *BinanceWS) handleFrame(ctx context.Context, log *logger.Entry, msg []byte) {
	var frame binanceKlineFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.WithError(err).Debug("failed to decode frame")
		return
	}
	if frame.Data.Event != "kline" {
		return
	}
	k := frame.Data.Kline
	if !k.Closed {
		// Interim updates of the open candle are not emitted.
		return
	}

	rec, err := parseKlineStrings(ExchangeBinance, frame.Data.Symbol, k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		log.WithError(err).Warn("failed to normalize kline frame")
		return
	}
	if w.emitter.Emit(ctx, rec) {
		logger.IncrementStreamRead(len(msg))
	}
}

// parseKlineStrings normalizes the string-encoded OHLCV fields the exchange
// websocket frames carry.
func parseKlineStrings(exchange, symbol string, openTimeMs int64, open, high, low, closePrice, volume string) (model.MarketDataRecord, error) {
	o, err := strconv.ParseFloat(open, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse open: %w", err)
	}
	h, err := strconv.ParseFloat(high, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse high: %w", err)
	}
	l, err := strconv.ParseFloat(low, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse low: %w", err)
	}
	c, err := strconv.ParseFloat(closePrice, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse close: %w", err)
	}
	v, err := strconv.ParseFloat(volume, 64)
	if err != nil {
		return model.MarketDataRecord{}, fmt.Errorf("parse volume: %w", err)
	}

	return model.MarketDataRecord{
		Exchange:  exchange,
		Symbol:    symbol,
		Timestamp: time.UnixMilli(openTimeMs).UTC(),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v,
		DataType:  model.DataTypeKline,
		Source:    model.SourceWebsocket,
	}, nil
}

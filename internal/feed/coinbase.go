package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "priceflow/config"
	"priceflow/internal/model"
	"priceflow/internal/symbols"
	"priceflow/logger"
)

const defaultCoinbaseWSURL = "wss://ws-feed.exchange.coinbase.com"

// CoinbaseWS subscribes to the Coinbase websocket feed and normalizes match
// and ticker messages into point records. A trade or tick carries a single
// price, so the four OHLC fields all hold it and volume carries the traded
// size.
type CoinbaseWS struct {
	config  *appconfig.Config
	emitter *Emitter
	log     *logger.Log
	mu      sync.Mutex
	conn    *websocket.Conn
	last    time.Time
}

func NewCoinbaseWS(cfg *appconfig.Config, emitter *Emitter) *CoinbaseWS {
	return &CoinbaseWS{
		config:  cfg,
		emitter: emitter,
		log:     logger.GetLogger(),
	}
}

func (w *CoinbaseWS) Name() string { return "coinbase_ws" }

func (w *CoinbaseWS) Connect(ctx context.Context) error {
	url := w.config.Feeds.Coinbase.URL
	if url == "" {
		url = defaultCoinbaseWSURL
	}

	products := make([]string, 0, len(w.config.Feeds.Symbols))
	for _, sym := range w.config.Feeds.Symbols {
		products = append(products, symbols.ToNative(ExchangeCoinbase, sym))
	}
	if len(products) == 0 {
		return fmt.Errorf("no symbols configured")
	}

	channels := w.config.Feeds.Coinbase.Channels
	if len(channels) == 0 {
		channels = []string{"matches", "ticker"}
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.config.Feeds.Timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial coinbase feed: %w", err)
	}

	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    channels,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe coinbase feed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.log.WithComponent("coinbase_ws").WithFields(logger.Fields{
		"products": products,
		"channels": channels,
	}).Debug("coinbase feed connected")
	return nil
}

func (w *CoinbaseWS) Stream(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log := w.log.WithComponent("coinbase_ws")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read coinbase feed: %w", err)
		}
		w.touch()
		w.handleFrame(ctx, log, msg)
	}
}

func (w *CoinbaseWS) LastMessage() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *CoinbaseWS) touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

type coinbaseFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	LastSize  string `json:"last_size"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

func (w *CoinbaseWS) handleFrame(ctx context.Context, log *logger.Entry, msg []byte) {
	var frame coinbaseFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.WithError(err).Debug("failed to decode frame")
		return
	}

	var dataType model.DataType
	var size string
	switch frame.Type {
	case "match", "last_match":
		dataType = model.DataTypeTrade
		size = frame.Size
	case "ticker":
		dataType = model.DataTypeTicker
		size = frame.LastSize
	case "error":
		log.WithFields(logger.Fields{"message": frame.Message}).Warn("coinbase feed error message")
		return
	default:
		// subscriptions, heartbeats and other control frames
		return
	}

	price, err := strconv.ParseFloat(frame.Price, 64)
	if err != nil {
		log.WithError(err).Debug("failed to parse price")
		return
	}
	volume := 0.0
	if size != "" {
		if volume, err = strconv.ParseFloat(size, 64); err != nil {
			log.WithError(err).Debug("failed to parse size")
			return
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, frame.Time)
	if err != nil {
		ts = time.Now()
	}

	rec := model.MarketDataRecord{
		Exchange:  ExchangeCoinbase,
		Symbol:    symbols.Canonical(ExchangeCoinbase, frame.ProductID),
		Timestamp: ts.UTC(),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
		DataType:  dataType,
		Source:    model.SourceWebsocket,
	}
	if w.emitter.Emit(ctx, rec) {
		logger.IncrementStreamRead(len(msg))
	}
}

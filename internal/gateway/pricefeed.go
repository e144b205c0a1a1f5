package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"futures_go/internal/infra"
	"futures_go/pkg/quant"
)

// PriceFeed maintains a best-bid/ask midpoint cache from the combined
// bookTicker stream. GetPrice reads are served from memory so strategy
// ticks never spend REST budget on price lookups.
type PriceFeed struct {
	wsURL   string
	symbols []string
	worker  *infra.WSWorker

	mu     sync.RWMutex
	prices map[string]quant.PriceMicros
}

// NewPriceFeed subscribes to the bookTicker stream of each symbol.
// wsURL is the stream base, e.g. wss://fstream.binance.com.
func NewPriceFeed(wsURL string, symbols []string) *PriceFeed {
	f := &PriceFeed{
		wsURL:   wsURL,
		symbols: symbols,
		prices:  make(map[string]quant.PriceMicros),
	}
	f.worker = infra.NewWSWorker(f)
	return f
}

// Start begins the background connection loop.
func (f *PriceFeed) Start(ctx context.Context) {
	f.worker.Start(ctx)
}

// Stop tears down the connection.
func (f *PriceFeed) Stop() {
	f.worker.Stop()
}

// Price returns the cached midpoint for symbol. ok is false until the
// first tick for that symbol has arrived.
func (f *PriceFeed) Price(symbol string) (quant.PriceMicros, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	return p, ok
}

// ID implements infra.WSHandler.
func (f *PriceFeed) ID() string { return "binance-bookticker" }

// GetURL implements infra.WSHandler using the combined stream endpoint.
func (f *PriceFeed) GetURL() string {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@bookTicker"
	}
	return f.wsURL + "/stream?streams=" + strings.Join(streams, "/")
}

// OnConnect implements infra.WSHandler. Combined streams need no
// subscribe frame; the URL carries the subscription.
func (f *PriceFeed) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	return nil
}

// OnMessage implements infra.WSHandler.
func (f *PriceFeed) OnMessage(ctx context.Context, msg []byte) {
	var frame struct {
		Data struct {
			Symbol string `json:"s"`
			Bid    string `json:"b"`
			Ask    string `json:"a"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		slog.Warn("bookticker decode failed", "err", err)
		return
	}
	if frame.Data.Symbol == "" {
		return
	}

	bid := quant.ToPriceMicrosStr(frame.Data.Bid)
	ask := quant.ToPriceMicrosStr(frame.Data.Ask)
	if bid <= 0 || ask <= 0 {
		return
	}
	mid := bid + (ask-bid)/2

	f.mu.Lock()
	f.prices[frame.Data.Symbol] = mid
	f.mu.Unlock()
}

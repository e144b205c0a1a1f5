package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"futures_go/internal/infra"
)

// NewFromConfig builds the gateway for the configured trading mode.
//
//	PAPER: in-memory venue, no network, no keys.
//	DEMO:  Binance testnet with testnet keys.
//	REAL:  Binance mainnet. Requires CONFIRM_REAL_MONEY=true in the
//	       environment so a stale config cannot trade live by accident.
//
// symbols lists the instruments the price feed should stream; an empty
// list skips the feed and GetPrice falls back to REST.
// The returned gateway is wrapped with the shared rate limiter.
func NewFromConfig(cfg *infra.Config, symbols []string) (Gateway, *PriceFeed, error) {
	mode := strings.ToUpper(cfg.Trading.Mode)

	if mode == "PAPER" {
		slog.Info("🧻 paper gateway active, no real orders will be sent")
		return NewPaperGateway(), nil, nil
	}

	if cfg.API.Binance.APIKey == "" || cfg.API.Binance.SecretKey == "" {
		return nil, nil, fmt.Errorf("mode %s requires API credentials", mode)
	}

	baseURL := cfg.API.Binance.RestURL
	switch mode {
	case "DEMO":
		baseURL = TestnetURL
		slog.Info("🧪 demo gateway active", "url", baseURL)
	case "REAL":
		if os.Getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, nil, fmt.Errorf("REAL mode requires CONFIRM_REAL_MONEY=true in the environment")
		}
		slog.Warn("💰 REAL gateway active, orders spend actual funds", "url", baseURL)
	default:
		return nil, nil, fmt.Errorf("unknown trading mode: %s", cfg.Trading.Mode)
	}

	signer := NewSigner(cfg.API.Binance.APIKey, cfg.API.Binance.SecretKey)

	var feed *PriceFeed
	if len(symbols) > 0 {
		feed = NewPriceFeed(streamBase(cfg.API.Binance.WSURL), symbols)
	}
	client := NewBinanceClient(baseURL, signer, cfg.API.Binance.RecvWindowMS, feed)

	limiter := infra.NewRateLimiter(cfg.API.RateBurst, cfg.API.RateLimitPerSec)
	return NewRateLimited(client, limiter), feed, nil
}

// streamBase normalizes the configured ws URL to the combined-stream host.
func streamBase(wsURL string) string {
	return strings.TrimSuffix(wsURL, "/ws")
}

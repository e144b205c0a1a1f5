// Command pricetest sanity-checks the fixed-point price path against the
// live Binance futures endpoints: one REST snapshot, then a few seconds of
// bookTicker midpoints. Read-only, no keys needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"futures_go/internal/gateway"
	"futures_go/pkg/quant"
)

var (
	flagSymbols = flag.String("symbols", "BTCUSDT,ETHUSDT", "comma-separated symbols")
	flagWatch   = flag.Duration("watch", 5*time.Second, "how long to stream the book ticker")
)

func main() {
	flag.Parse()
	symbols := strings.Split(*flagSymbols, ",")

	fmt.Println("=== Futures Go Fixed-Point Price Check ===")
	fmt.Println()

	for _, sym := range symbols {
		raw, micros, err := fetchRestPrice(sym)
		if err != nil {
			fmt.Printf("❌ %s: %v\n", sym, err)
			continue
		}
		fmt.Printf("📊 %s (REST)\n", sym)
		fmt.Printf("   raw string:  %s\n", raw)
		fmt.Printf("   PriceMicros: %d\n", micros)
		fmt.Printf("   display:     $%s\n", micros)
		fmt.Println()
	}

	fmt.Printf("Streaming bookTicker midpoints for %s...\n", *flagWatch)
	feed := gateway.NewPriceFeed("wss://fstream.binance.com", symbols)

	ctx, cancel := context.WithTimeout(context.Background(), *flagWatch)
	defer cancel()
	feed.Start(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			feed.Stop()
			fmt.Println("done")
			return
		case <-ticker.C:
			for _, sym := range symbols {
				if mid, ok := feed.Price(sym); ok {
					fmt.Printf("   %s mid: $%s\n", sym, mid)
				}
			}
		}
	}
}

func fetchRestPrice(symbol string) (string, quant.PriceMicros, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("https://fapi.binance.com/fapi/v1/ticker/price?symbol=" + symbol)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, err
	}
	return body.Price, quant.ToPriceMicrosStr(body.Price), nil
}

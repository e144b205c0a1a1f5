package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures_go/internal/domain"
	"futures_go/internal/infra"
	"futures_go/pkg/quant"
)

// Binance USDT-M futures endpoints.
const (
	MainnetURL = "https://fapi.binance.com"
	TestnetURL = "https://testnet.binancefuture.com"
)

// BinanceClient implements Gateway against the Binance Futures REST API.
// All calls pass through a circuit breaker; order placement and cancellation
// carry a client order id so the venue order maps back to our OrderRef.
type BinanceClient struct {
	baseURL    string
	signer     *Signer
	httpClient *http.Client
	breaker    *infra.CircuitBreaker
	recvWindow int

	feed *PriceFeed // optional ws mark price cache

	mu      sync.RWMutex
	filters map[string]Filters // exchange info cache
}

// NewBinanceClient creates a REST client. feed may be nil; GetPrice then
// always hits the REST ticker endpoint.
func NewBinanceClient(baseURL string, signer *Signer, recvWindowMS int, feed *PriceFeed) *BinanceClient {
	return &BinanceClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    infra.NewCircuitBreaker("binance"),
		recvWindow: recvWindowMS,
		feed:       feed,
		filters:    make(map[string]Filters),
	}
}

// Close wipes secrets and stops the feed.
func (c *BinanceClient) Close() error {
	c.signer.Wipe()
	if c.feed != nil {
		c.feed.Stop()
	}
	return nil
}

// fmtQty renders QtySats as the decimal string the API expects.
func fmtQty(q quant.QtySats) string {
	return decimal.New(int64(q), -8).String()
}

// fmtPrice renders PriceMicros as the decimal string the API expects.
func fmtPrice(p quant.PriceMicros) string {
	return decimal.New(int64(p), -6).String()
}

// PlaceOrder submits an order via POST /fapi/v1/order.
func (c *BinanceClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", fmtQty(req.QtySats))
	if req.LocalID != "" {
		params.Set("newClientOrderId", req.LocalID)
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		params.Set("price", fmtPrice(req.PriceMicros))
		params.Set("timeInForce", "GTC")
	case domain.OrderTypeStopMarket:
		params.Set("stopPrice", fmtPrice(req.StopPriceMicros))
	}

	var resp binanceOrderResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return OrderAck{}, err
	}

	return OrderAck{
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		Status:     mapOrderStatus(resp.Status),
	}, nil
}

// CancelOrder cancels via DELETE /fapi/v1/order. A -2011 rejection is
// disambiguated by querying the order: a filled order yields
// domain.ErrAlreadyFilled, anything else domain.ErrOrderNotFound.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeID)

	var resp binanceOrderResponse
	err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, &resp)
	if err == nil {
		return nil
	}

	var apiErr *binanceAPIError
	if errors.As(err, &apiErr) && apiErr.Code == -2011 {
		snap, qerr := c.GetOrderStatus(ctx, symbol, exchangeID)
		if qerr == nil && snap.Status == domain.OrderStatusFilled {
			return domain.ErrAlreadyFilled
		}
		return domain.ErrOrderNotFound
	}
	return err
}

// GetOrderStatus queries via GET /fapi/v1/order.
func (c *BinanceClient) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeID)

	var resp binanceOrderResponse
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params, &resp); err != nil {
		return OrderSnapshot{}, err
	}

	return OrderSnapshot{
		ExchangeID:     strconv.FormatInt(resp.OrderID, 10),
		Status:         mapOrderStatus(resp.Status),
		FilledSats:     quant.ToQtySatsStr(resp.ExecutedQty),
		AvgPriceMicros: quant.ToPriceMicrosStr(resp.AvgPrice),
		UpdatedUnixM:   quant.TimeStamp(resp.UpdateTime * 1000),
	}, nil
}

// GetPrice prefers the ws feed cache; on a cold cache it falls back to the
// unsigned ticker endpoint.
func (c *BinanceClient) GetPrice(ctx context.Context, symbol string) (quant.PriceMicros, error) {
	if c.feed != nil {
		if p, ok := c.feed.Price(symbol); ok {
			return p, nil
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.publicRequest(ctx, "/fapi/v1/ticker/price", params, &resp); err != nil {
		return 0, err
	}
	return quant.ToPriceMicrosStr(resp.Price), nil
}

// GetBalance queries via GET /fapi/v2/balance.
func (c *BinanceClient) GetBalance(ctx context.Context) (map[string]quant.QtySats, error) {
	var resp []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &resp); err != nil {
		return nil, err
	}

	balances := make(map[string]quant.QtySats, len(resp))
	for _, b := range resp {
		balances[b.Asset] = quant.ToQtySatsStr(b.Balance)
	}
	return balances, nil
}

// SymbolFilters returns the lot size / tick / notional constraints for a
// symbol, cached after the first exchangeInfo fetch.
func (c *BinanceClient) SymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.publicRequest(ctx, "/fapi/v1/exchangeInfo", params, &resp); err != nil {
		return Filters{}, err
	}

	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var f Filters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				f.QtyStepSats = quant.ToQtySatsStr(flt.StepSize)
			case "PRICE_FILTER":
				f.PriceTickMicros = quant.ToPriceMicrosStr(flt.TickSize)
			case "MIN_NOTIONAL":
				f.MinNotionalMicros = quant.ToPriceMicrosStr(flt.Notional)
			}
		}
		c.mu.Lock()
		c.filters[symbol] = f
		c.mu.Unlock()
		return f, nil
	}

	return Filters{}, &domain.ExchangeRejection{Code: domain.RejectInvalidSymbol, Msg: symbol}
}

// binanceOrderResponse is the shared order payload of place/cancel/query.
type binanceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

// binanceAPIError is the venue's {code, msg} error body.
type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *binanceAPIError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Msg)
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderStatusNew
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusUnknown
	}
}

// mapAPIError classifies a {code,msg} rejection into the domain taxonomy.
func mapAPIError(op string, apiErr *binanceAPIError) error {
	switch apiErr.Code {
	case -2010, -2018, -2019:
		return &domain.ExchangeRejection{Code: domain.RejectInsufficientBalance, Msg: apiErr.Msg}
	case -1121:
		return &domain.ExchangeRejection{Code: domain.RejectInvalidSymbol, Msg: apiErr.Msg}
	case -1013, -4003, -4164:
		return &domain.ExchangeRejection{Code: domain.RejectInvalidQuantity, Msg: apiErr.Msg}
	case -1003:
		return fmt.Errorf("%s: %w", op, domain.ErrRateLimited)
	default:
		return &domain.GatewayError{Op: op, Err: apiErr}
	}
}

func (c *BinanceClient) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	query := params.Encode()
	query += "&signature=" + c.signer.Sign(query)

	return c.doRequest(ctx, method, path, query, true, out)
}

func (c *BinanceClient) publicRequest(ctx context.Context, path string, params url.Values, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, params.Encode(), false, out)
}

func (c *BinanceClient) doRequest(ctx context.Context, method, path, query string, signed bool, out any) error {
	op := method + " " + path

	if !c.breaker.Allow() {
		return &domain.GatewayError{Op: op, Err: fmt.Errorf("circuit breaker open")}
	}

	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return &domain.GatewayError{Op: op, Err: err}
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return &domain.GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return &domain.GatewayError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		c.breaker.RecordFailure()
		return fmt.Errorf("%s: %w", op, domain.ErrRateLimited)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
		return &domain.GatewayError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	if resp.StatusCode >= 400 {
		// Business rejections are not breaker failures; the venue is healthy.
		c.breaker.RecordSuccess()
		var apiErr binanceAPIError
		if jerr := json.Unmarshal(body, &apiErr); jerr != nil || apiErr.Code == 0 {
			return &domain.GatewayError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		}
		slog.Debug("binance rejection", "op", op, "code", apiErr.Code, "msg", apiErr.Msg)
		return mapAPIError(op, &apiErr)
	}

	c.breaker.RecordSuccess()

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &domain.GatewayError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
)

// KrakenGateway implements Gateway against the Kraken REST API. Private
// calls are signed with HMAC-SHA512 over the URI path and the SHA256 of
// nonce+body, sent as API-Key / API-Sign headers. All calls pass through
// the shared per-credential Gate before touching the network.
type KrakenGateway struct {
	baseURL    string
	apiKey     string
	privateKey string
	httpClient *http.Client
	gate       *Gate
}

// NewKrakenGateway creates a Kraken client. The gate is injected so multiple
// gateways sharing one credential share one rate gate.
func NewKrakenGateway(baseURL, apiKey, privateKey string, gate *Gate) *KrakenGateway {
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &KrakenGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		gate:       gate,
	}
}

type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// MapSymbolToPair maps an internal symbol to a Kraken trading pair.
func MapSymbolToPair(symbol string) string {
	switch strings.ToUpper(symbol) {
	case "BTC":
		return "XBTUSD"
	default:
		return strings.ToUpper(symbol) + "USD"
	}
}

func (g *KrakenGateway) ExecuteOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := map[string]any{
		"pair":      MapSymbolToPair(req.Symbol),
		"type":      strings.ToLower(req.Side),
		"ordertype": req.OrderType,
		"volume":    req.Quantity.String(),
		"price":     req.Price.String(),
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := g.private(ctx, "/0/private/AddOrder", body, &result); err != nil {
		metrics.BrokerCalls.WithLabelValues("AddOrder", "error").Inc()
		return OrderResult{}, err
	}
	if len(result.TxID) == 0 {
		metrics.BrokerCalls.WithLabelValues("AddOrder", "error").Inc()
		return OrderResult{}, &RejectionError{Reason: "missing transaction id in response"}
	}
	metrics.BrokerCalls.WithLabelValues("AddOrder", "ok").Inc()
	return OrderResult{TxID: result.TxID[0]}, nil
}

func (g *KrakenGateway) CancelOrder(ctx context.Context, txid string) error {
	var result struct {
		Count int `json:"count"`
	}
	err := g.private(ctx, "/0/private/CancelOrder", map[string]any{"txid": txid}, &result)
	if err != nil {
		metrics.BrokerCalls.WithLabelValues("CancelOrder", "error").Inc()
		return err
	}
	metrics.BrokerCalls.WithLabelValues("CancelOrder", "ok").Inc()
	return nil
}

func (g *KrakenGateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := g.balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	// Cash balance is the USD entries; other assets are positions.
	total := decimal.Zero
	for asset, qty := range balances {
		if asset == "ZUSD" || asset == "USD" {
			total = total.Add(qty)
		}
	}
	return total, nil
}

func (g *KrakenGateway) GetPositions(ctx context.Context) ([]Holding, error) {
	balances, err := g.balances(ctx)
	if err != nil {
		return nil, err
	}
	var holdings []Holding
	for asset, qty := range balances {
		if asset == "ZUSD" || asset == "USD" || !qty.IsPositive() {
			continue
		}
		holdings = append(holdings, Holding{Symbol: mapKrakenAsset(asset), Quantity: qty})
	}
	return holdings, nil
}

func (g *KrakenGateway) balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := g.private(ctx, "/0/private/Balance", map[string]any{}, &raw); err != nil {
		metrics.BrokerCalls.WithLabelValues("Balance", "error").Inc()
		return nil, err
	}
	metrics.BrokerCalls.WithLabelValues("Balance", "ok").Inc()

	out := make(map[string]decimal.Decimal, len(raw))
	for asset, amount := range raw {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			continue
		}
		out[asset] = d
	}
	return out, nil
}

func (g *KrakenGateway) GetOpenOrders(ctx context.Context) ([]RemoteOrder, error) {
	var result struct {
		Open map[string]krakenOrderInfo `json:"open"`
	}
	if err := g.private(ctx, "/0/private/OpenOrders", map[string]any{}, &result); err != nil {
		metrics.BrokerCalls.WithLabelValues("OpenOrders", "error").Inc()
		return nil, err
	}
	metrics.BrokerCalls.WithLabelValues("OpenOrders", "ok").Inc()
	return mapRemoteOrders(result.Open, 0), nil
}

func (g *KrakenGateway) GetClosedOrders(ctx context.Context, limit int) ([]RemoteOrder, error) {
	var result struct {
		Closed map[string]krakenOrderInfo `json:"closed"`
	}
	if err := g.private(ctx, "/0/private/ClosedOrders", map[string]any{}, &result); err != nil {
		metrics.BrokerCalls.WithLabelValues("ClosedOrders", "error").Inc()
		return nil, err
	}
	metrics.BrokerCalls.WithLabelValues("ClosedOrders", "ok").Inc()
	return mapRemoteOrders(result.Closed, limit), nil
}

type krakenOrderInfo struct {
	Status string `json:"status"`
	Volume string `json:"vol"`
	Descr  struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

func mapRemoteOrders(raw map[string]krakenOrderInfo, limit int) []RemoteOrder {
	var out []RemoteOrder
	for txid, info := range raw {
		price, _ := decimal.NewFromString(info.Descr.Price)
		qty, _ := decimal.NewFromString(info.Volume)
		out = append(out, RemoteOrder{
			TxID:     txid,
			Symbol:   mapKrakenPair(info.Descr.Pair),
			Side:     strings.ToUpper(info.Descr.Type),
			Type:     strings.ToUpper(info.Descr.OrderType),
			Price:    price,
			Quantity: qty,
			Status:   info.Status,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// LastPrice fetches the last trade price from the public ticker. It needs no
// credentials and can back the pricing oracle directly.
func (g *KrakenGateway) LastPrice(ctx context.Context, symbol, _ string) (decimal.Decimal, error) {
	pair := MapSymbolToPair(symbol)

	resp, err := g.do(ctx, http.MethodGet, "/0/public/Ticker?pair="+pair, nil, false)
	if err != nil {
		return decimal.Zero, err
	}

	var result map[string]struct {
		C []string `json:"c"` // last trade: [price, lot volume]
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	for _, ticker := range result {
		if len(ticker.C) == 0 {
			break
		}
		return decimal.NewFromString(ticker.C[0])
	}
	return decimal.Zero, fmt.Errorf("ticker for %s missing last price", pair)
}

func (g *KrakenGateway) private(ctx context.Context, path string, body map[string]any, out any) error {
	if err := g.gate.Wait(ctx, g.apiKey); err != nil {
		return err
	}
	raw, err := g.do(ctx, http.MethodPost, path, body, true)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

func (g *KrakenGateway) do(ctx context.Context, method, path string, body map[string]any, signed bool) (json.RawMessage, error) {
	var bodyStr string
	if signed {
		if body == nil {
			body = map[string]any{}
		}
		body["nonce"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if len(body) > 0 {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyStr = string(b)
	}

	// Strip the query string from the signing path.
	signPath := path
	if i := strings.IndexByte(signPath, '?'); i >= 0 {
		signPath = signPath[:i]
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewBufferString(bodyStr))
	if err != nil {
		return nil, err
	}
	if bodyStr != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		nonce, _ := body["nonce"].(string)
		sig, err := sign(g.privateKey, signPath, nonce, bodyStr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("API-Key", g.apiKey)
		req.Header.Set("API-Sign", sig)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker request %s: %w", signPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker read %s: %w", signPath, err)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("broker auth failure on %s: status %d", signPath, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker %s: status %d", signPath, resp.StatusCode)
	}

	var kr krakenResponse
	if err := json.Unmarshal(data, &kr); err != nil {
		return nil, fmt.Errorf("decode broker response %s: %w", signPath, err)
	}
	if len(kr.Error) > 0 {
		return nil, &RejectionError{Reason: strings.Join(kr.Error, "; ")}
	}
	return kr.Result, nil
}

// sign computes API-Sign: HMAC-SHA512 over path + SHA256(nonce+body), keyed
// by the base64-decoded private key.
func sign(privateKey, path, nonce, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func mapKrakenAsset(asset string) string {
	switch asset {
	case "XXBT", "XBT":
		return "BTC"
	case "XETH":
		return "ETH"
	case "XXRP":
		return "XRP"
	case "XXDG":
		return "DOGE"
	default:
		return strings.TrimPrefix(asset, "X")
	}
}

func mapKrakenPair(pair string) string {
	s := strings.TrimSuffix(strings.TrimSuffix(pair, "ZUSD"), "USD")
	return mapKrakenAsset(s)
}

// Package api exposes the REST surface: account management, order flow,
// strategy configuration, and asset-curve queries.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/assets"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/hub"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/sched"
)

// Service wires the trading core into HTTP handlers.
type Service struct {
	eng      *engine.Engine
	recorder *assets.Recorder
	builder  *hub.Builder
	sweeper  *sched.Sweeper
}

// NewService creates the HTTP service. sweeper may be nil; the manual sweep
// endpoint then reports unavailable.
func NewService(eng *engine.Engine, recorder *assets.Recorder, builder *hub.Builder, sweeper *sched.Sweeper) *Service {
	return &Service{eng: eng, recorder: recorder, builder: builder, sweeper: sweeper}
}

// Mount registers all routes on the given router.
func (s *Service) Mount(r chi.Router) {
	r.Get("/accounts", s.ListAccounts)
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}/overview", s.GetOverview)
	r.Put("/accounts/{accountID}/settings", s.UpdateSettings)
	r.Get("/accounts/{accountID}/strategy", s.GetStrategy)
	r.Put("/accounts/{accountID}/strategy", s.UpdateStrategy)
	r.Post("/accounts/{accountID}/orders", s.PlaceOrder)
	r.Get("/accounts/{accountID}/orders", s.ListOrders)
	r.Delete("/accounts/{accountID}/orders/{orderID}", s.CancelOrder)
	r.Get("/accounts/{accountID}/trades", s.ListTrades)
	r.Get("/accounts/{accountID}/decisions", s.ListDecisions)
	r.Get("/accounts/{accountID}/assets/curve", s.GetAssetCurve)
	r.Post("/sweep", s.TriggerSweep)
}

func accountParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	return id, err == nil && id > 0
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// ListAccounts returns every account with its live valuation.
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.eng.Router().Paper().ListAccounts(r.Context())
	if err != nil {
		writeError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}

	type row struct {
		model.Account
		TotalAssets decimal.Decimal `json:"total_assets"`
	}
	rows := make([]row, 0, len(accounts))
	for _, acc := range accounts {
		led, resolved, err := s.eng.Router().ForAccount(r.Context(), acc.ID)
		if err != nil {
			continue
		}
		v, err := s.recorder.Value(r.Context(), led, resolved)
		if err != nil {
			continue
		}
		rows = append(rows, row{Account: *resolved, TotalAssets: v.TotalAssets})
	}
	writeJSON(w, map[string]any{"accounts": rows})
}

type createAccountRequest struct {
	Name           string          `json:"name"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Model          string          `json:"model"`
	BaseURL        string          `json:"base_url"`
	APIKey         string          `json:"api_key"`
	AutoTrading    bool            `json:"auto_trading"`
}

// CreateAccount creates a paper-mode account seeded with its initial
// capital and writes its first snapshot row.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if !req.InitialCapital.IsPositive() {
		writeError(w, "initial_capital must be > 0", http.StatusBadRequest)
		return
	}

	acc := &model.Account{
		Name:           req.Name,
		TradeMode:      model.ModePaper,
		InitialCapital: req.InitialCapital,
		CurrentCash:    req.InitialCapital,
		Active:         true,
		AutoTrading:    req.AutoTrading,
		Model:          req.Model,
		BaseURL:        req.BaseURL,
		APIKey:         req.APIKey,
	}
	paper := s.eng.Router().Paper()
	if err := paper.CreateAccount(r.Context(), acc); err != nil {
		writeError(w, "failed to create account", http.StatusInternalServerError)
		return
	}

	snap := &model.AssetSnapshot{
		AccountID:   acc.ID,
		TotalAssets: req.InitialCapital,
		Cash:        req.InitialCapital,
		EventTime:   time.Now(),
	}
	if err := paper.InsertSnapshot(r.Context(), snap); err != nil {
		slog.Warn("failed to write initial snapshot", "account_id", acc.ID, "err", err)
	}

	writeJSONStatus(w, http.StatusCreated, acc)
}

// GetOverview returns the full account snapshot (overview, positions,
// recent orders/trades/decisions).
func (s *Service) GetOverview(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	snap, err := s.builder.Build(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, "account not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to build overview", http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

type updateSettingsRequest struct {
	Name        *string          `json:"name"`
	Model       *string          `json:"model"`
	BaseURL     *string          `json:"base_url"`
	APIKey      *string          `json:"api_key"`
	TradeMode   *model.TradeMode `json:"trade_mode"`
	Active      *bool            `json:"is_active"`
	AutoTrading *bool            `json:"auto_trading"`
}

// UpdateSettings applies descriptive account changes. Switching trade mode
// mirrors the account into the target ledger before the mode takes effect,
// so the first operation in the new mode finds its row in place.
func (s *Service) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	paper := s.eng.Router().Paper()
	acc, err := paper.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	if req.TradeMode != nil {
		if !req.TradeMode.Valid() {
			writeError(w, "trade_mode must be paper or real", http.StatusBadRequest)
			return
		}
		if *req.TradeMode != acc.TradeMode {
			if err := s.eng.Router().MirrorAccount(r.Context(), acc, *req.TradeMode); err != nil {
				slog.Error("account mirror failed", "account_id", id, "err", err)
				writeError(w, "failed to switch trade mode", http.StatusInternalServerError)
				return
			}
		}
	}

	upd := ledger.AccountUpdate{
		Name:        req.Name,
		Model:       req.Model,
		BaseURL:     req.BaseURL,
		APIKey:      req.APIKey,
		TradeMode:   req.TradeMode,
		Active:      req.Active,
		AutoTrading: req.AutoTrading,
	}
	if err := paper.UpdateAccount(r.Context(), id, upd); err != nil {
		writeError(w, "failed to update account", http.StatusInternalServerError)
		return
	}

	acc, err = paper.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, "failed to reload account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, acc)
}

// GetStrategy returns the account's AI trigger configuration, defaulting to
// disabled realtime when none is stored.
func (s *Service) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	cfg, err := s.eng.Router().Paper().GetStrategy(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		cfg = &model.StrategyConfig{AccountID: id, TriggerMode: model.TriggerRealtime}
	} else if err != nil {
		writeError(w, "failed to load strategy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, cfg)
}

// UpdateStrategy stores the account's AI trigger configuration.
func (s *Service) UpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var cfg model.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch cfg.TriggerMode {
	case model.TriggerRealtime, model.TriggerInterval, model.TriggerTickBatch:
	default:
		writeError(w, "trigger_mode must be realtime, interval or tick_batch", http.StatusBadRequest)
		return
	}
	if cfg.TriggerMode == model.TriggerInterval && cfg.IntervalSeconds <= 0 {
		writeError(w, "interval_seconds must be > 0", http.StatusBadRequest)
		return
	}
	if cfg.TriggerMode == model.TriggerTickBatch && cfg.TickBatchSize <= 0 {
		writeError(w, "tick_batch_size must be > 0", http.StatusBadRequest)
		return
	}
	cfg.AccountID = id
	if err := s.eng.Router().Paper().UpsertStrategy(r.Context(), &cfg); err != nil {
		writeError(w, "failed to store strategy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, cfg)
}

type placeOrderRequest struct {
	Symbol    string           `json:"symbol"`
	Name      string           `json:"name"`
	Market    string           `json:"market"`
	Side      model.Side       `json:"side"`
	OrderType model.OrderType  `json:"order_type"`
	Price     *decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal  `json:"quantity"`
}

// PlaceOrder creates an order and attempts an immediate fill, so market
// orders come back with their result.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	order, err := s.eng.Create(r.Context(), engine.CreateRequest{
		AccountID: id,
		Symbol:    req.Symbol,
		Name:      req.Name,
		Market:    req.Market,
		Side:      req.Side,
		Type:      req.OrderType,
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		var funds *ledger.InsufficientFundsError
		var pos *ledger.InsufficientPositionError
		switch {
		case errors.As(err, &funds), errors.As(err, &pos):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, "account not found", http.StatusNotFound)
		default:
			writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	if _, acc, aerr := s.eng.Router().ForAccount(r.Context(), id); aerr == nil {
		s.eng.CheckAndExecute(r.Context(), acc.TradeMode, order)
	}

	writeJSONStatus(w, http.StatusCreated, order)
}

// CancelOrder cancels a pending order. Cancelling a terminal order returns
// 200 with cancelled=false.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}

	cancelled, err := s.eng.Cancel(r.Context(), id, orderID, "api request")
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"order_id": orderID, "cancelled": cancelled})
}

// ListOrders returns the account's most recent orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	led, _, err := s.eng.Router().ForAccount(r.Context(), id)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	orders, err := led.ListOrders(r.Context(), id, limitParam(r, 50))
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"orders": orders})
}

// ListTrades returns the account's most recent fills.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	led, _, err := s.eng.Router().ForAccount(r.Context(), id)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	trades, err := led.ListTrades(r.Context(), id, limitParam(r, 50))
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"trades": trades})
}

// ListDecisions returns the account's recent AI decision log.
func (s *Service) ListDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	decisions, err := s.eng.Router().Paper().ListDecisions(r.Context(), id, limitParam(r, 50))
	if err != nil {
		writeError(w, "failed to list decisions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"decisions": decisions})
}

// GetAssetCurve returns the downsampled asset curve for a timeframe.
func (s *Service) GetAssetCurve(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(r)
	if !ok {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	tf := r.URL.Query().Get("timeframe")
	if tf == "" {
		tf = "5m"
	}
	points, err := s.recorder.Curve(r.Context(), id, tf)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, "account not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"account_id": id, "timeframe": tf, "points": points})
}

// TriggerSweep runs the pending-order sweep on demand.
func (s *Service) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	started := s.sweeper.RunPendingSweep(r.Context())
	writeJSON(w, map[string]any{"started": started})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeJSONStatus writes a JSON body with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

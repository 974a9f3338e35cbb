package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/assets"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// Keepalive tuning. Pings must outpace the read deadline so a listen-only
// subscriber keeps refreshing it with pongs. Vars so tests can shorten them.
var (
	readWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Server is the WebSocket request handler. Each connection follows one
// account at a time; requests operate on the subscribed account unless they
// carry an explicit account_id.
type Server struct {
	hub      *Hub
	eng      *engine.Engine
	builder  *Builder
	recorder *assets.Recorder
}

// NewServer creates the WebSocket server.
func NewServer(h *Hub, eng *engine.Engine, builder *Builder, recorder *assets.Recorder) *Server {
	return &Server{hub: h, eng: eng, builder: builder, recorder: recorder}
}

// request is one inbound client frame.
type request struct {
	Type      string           `json:"type"`
	AccountID int64            `json:"account_id,omitempty"`
	Timeframe string           `json:"timeframe,omitempty"`
	Symbol    string           `json:"symbol,omitempty"`
	Side      string           `json:"side,omitempty"`
	OrderType string           `json:"order_type,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Quantity  decimal.Decimal  `json:"quantity,omitempty"`
	OrderID   int64            `json:"order_id,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errf(msg string) errorFrame { return errorFrame{Type: "error", Message: msg} }

// HandleWS upgrades the connection and runs the read loop until the client
// disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := NewClient(conn)
	done := make(chan struct{})
	defer func() {
		close(done)
		s.hub.Unsubscribe(client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	// Ping ticker to keep listen-only subscribers alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		s.dispatch(r.Context(), client, data)
	}
}

// dispatch handles one client frame. Malformed or unknown frames get an
// error reply; the connection stays open.
func (s *Server) dispatch(ctx context.Context, client *Client, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		client.Send(errf("malformed request"))
		return
	}

	switch req.Type {
	case "ping":
		client.Send(map[string]string{"type": "pong"})

	case "subscribe", "switch_account":
		if req.AccountID <= 0 {
			client.Send(errf("subscribe requires account_id"))
			return
		}
		s.hub.Subscribe(client, req.AccountID)
		s.sendSnapshot(ctx, client, req.AccountID)

	case "get_snapshot":
		id := req.AccountID
		if id == 0 {
			id = client.AccountID()
		}
		if id == 0 {
			client.Send(errf("not subscribed"))
			return
		}
		s.sendSnapshot(ctx, client, id)

	case "get_asset_curve":
		id := req.AccountID
		if id == 0 {
			id = client.AccountID()
		}
		if id == 0 {
			client.Send(errf("not subscribed"))
			return
		}
		tf := req.Timeframe
		if tf == "" {
			tf = "5m"
		}
		points, err := s.recorder.Curve(ctx, id, tf)
		if err != nil {
			client.Send(errf(err.Error()))
			return
		}
		client.Send(map[string]any{
			"type":       "asset_curve",
			"account_id": id,
			"timeframe":  tf,
			"points":     points,
		})

	case "place_order":
		s.placeOrder(ctx, client, req)

	case "cancel_order":
		id := req.AccountID
		if id == 0 {
			id = client.AccountID()
		}
		if id == 0 || req.OrderID == 0 {
			client.Send(errf("cancel_order requires account_id and order_id"))
			return
		}
		cancelled, err := s.eng.Cancel(ctx, id, req.OrderID, "client request")
		if err != nil {
			client.Send(errf(err.Error()))
			return
		}
		client.Send(map[string]any{
			"type":      "order_cancelled",
			"order_id":  req.OrderID,
			"cancelled": cancelled,
		})

	default:
		client.Send(errf("unknown request type"))
	}
}

func (s *Server) sendSnapshot(ctx context.Context, client *Client, accountID int64) {
	snap, err := s.builder.Build(ctx, accountID)
	if err != nil {
		client.Send(errf(err.Error()))
		return
	}
	client.Send(snap)
}

func (s *Server) placeOrder(ctx context.Context, client *Client, req request) {
	id := req.AccountID
	if id == 0 {
		id = client.AccountID()
	}
	if id == 0 {
		client.Send(errf("not subscribed"))
		return
	}

	order, err := s.eng.Create(ctx, engine.CreateRequest{
		AccountID: id,
		Symbol:    req.Symbol,
		Side:      model.Side(req.Side),
		Type:      model.OrderType(req.OrderType),
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		client.Send(errf(err.Error()))
		return
	}

	// Try an immediate fill so market orders come back with a result.
	_, acc, aerr := s.eng.Router().ForAccount(ctx, id)
	if aerr == nil {
		s.eng.CheckAndExecute(ctx, acc.TradeMode, order)
	}
	client.Send(map[string]any{
		"type":  "order_placed",
		"order": order,
	})
}

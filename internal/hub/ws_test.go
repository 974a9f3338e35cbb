package hub

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/assets"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

type wsFeed struct{}

func (wsFeed) LastPrice(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(50000), nil
}

// newWSServer stands up the WS endpoint behind the same metrics middleware
// the production router wraps every route with.
func newWSServer(t *testing.T) (*httptest.Server, int64) {
	t.Helper()
	paper := ledger.NewMemoryLedger()
	router := ledger.NewRouter(paper, ledger.NewMemoryLedger())
	acc := &model.Account{
		Name:           "ws",
		TradeMode:      model.ModePaper,
		InitialCapital: decimal.NewFromInt(100000),
		CurrentCash:    decimal.NewFromInt(100000),
		Active:         true,
	}
	if err := paper.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	recorder := assets.NewRecorder(router, wsFeed{})
	builder := NewBuilder(router, recorder)
	eng := engine.New(router, wsFeed{}, nil, nil)
	server := NewServer(New(builder, time.Hour), eng, builder, recorder)

	srv := httptest.NewServer(metrics.Middleware(http.HandlerFunc(server.HandleWS)))
	t.Cleanup(srv.Close)
	return srv, acc.ID
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUpgradeSucceedsBehindMetricsMiddleware(t *testing.T) {
	srv, accountID := newWSServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "account_id": accountID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap struct {
		Type     string `json:"type"`
		Overview struct {
			AccountID int64 `json:"account_id"`
		} `json:"overview"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != "snapshot" || snap.Overview.AccountID != accountID {
		t.Errorf("frame = %+v", snap)
	}
}

func TestIdleSubscriberKeptAliveByPings(t *testing.T) {
	oldWait, oldPing := readWait, pingPeriod
	readWait, pingPeriod = 200*time.Millisecond, 50*time.Millisecond
	defer func() { readWait, pingPeriod = oldWait, oldPing }()

	srv, _ := newWSServer(t)
	conn := dialWS(t, srv)

	var pings atomic.Int32
	conn.SetPingHandler(func(payload string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(time.Second))
	})

	// Listen only: the client sends no frames, so the server must keep the
	// connection alive with pings. The read below must fail on our own
	// deadline, not because the server dropped us at its read deadline.
	conn.SetReadDeadline(time.Now().Add(600 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected read deadline")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("server dropped idle subscriber: %v", err)
	}
	if got := pings.Load(); got < 2 {
		t.Errorf("got %d pings, want at least 2", got)
	}
}

// Package hub fans account snapshots and fill events out to WebSocket
// subscribers. Subscriptions are per account: the first subscriber for an
// account starts its periodic snapshot job, the last one leaving stops it.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
)

// SnapshotInterval is the periodic snapshot cadence per subscribed account.
const SnapshotInterval = 10 * time.Second

// Conn is the subset of *websocket.Conn the hub needs. Tests substitute a
// recording fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected subscriber. Writes are serialized per client;
// gorilla/websocket forbids concurrent writers.
type Client struct {
	conn Conn

	mu        sync.Mutex
	accountID int64
}

// NewClient wraps a connection. The client subscribes to no account until
// the first Subscribe.
func NewClient(conn Conn) *Client { return &Client{conn: conn} }

// AccountID returns the account the client currently follows (0 = none).
func (c *Client) AccountID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

func (c *Client) setAccountID(id int64) {
	c.mu.Lock()
	c.accountID = id
	c.mu.Unlock()
}

// write sends one marshaled frame. The lock also covers the write so that
// snapshot jobs and request replies never interleave frames.
func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send marshals payload and writes it to this client only.
func (c *Client) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(data)
}

// ping sends a control ping under the same lock as data writes;
// gorilla/websocket forbids concurrent writers.
func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// SnapshotSource builds the full account snapshot for the periodic job.
type SnapshotSource interface {
	Snapshot(ctx context.Context, accountID int64) (any, error)
}

// Hub is the subscriber registry.
type Hub struct {
	source   SnapshotSource
	interval time.Duration

	mu   sync.Mutex
	subs map[int64]map[*Client]struct{}
	jobs map[int64]context.CancelFunc
}

// New creates a hub that builds periodic snapshots from source. interval 0
// means SnapshotInterval.
func New(source SnapshotSource, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = SnapshotInterval
	}
	return &Hub{
		source:   source,
		interval: interval,
		subs:     make(map[int64]map[*Client]struct{}),
		jobs:     make(map[int64]context.CancelFunc),
	}
}

// Subscribe attaches the client to an account, moving it off any previous
// subscription. The first subscriber for an account starts its snapshot job.
func (h *Hub) Subscribe(c *Client, accountID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := c.AccountID(); prev != 0 && prev != accountID {
		h.detachLocked(c, prev)
	}
	set, ok := h.subs[accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[accountID] = set
		ctx, cancel := context.WithCancel(context.Background())
		h.jobs[accountID] = cancel
		metrics.SnapshotJobs.Inc()
		go h.snapshotLoop(ctx, accountID)
		slog.Info("snapshot job started", "account_id", accountID)
	}
	if _, dup := set[c]; !dup {
		set[c] = struct{}{}
		metrics.WebSocketClients.Inc()
	}
	c.setAccountID(accountID)
}

// Unsubscribe removes the client from its current account subscription. The
// last subscriber leaving stops the account's snapshot job.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id := c.AccountID(); id != 0 {
		h.detachLocked(c, id)
		c.setAccountID(0)
	}
}

func (h *Hub) detachLocked(c *Client, accountID int64) {
	set, ok := h.subs[accountID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	metrics.WebSocketClients.Dec()
	if len(set) == 0 {
		delete(h.subs, accountID)
		if cancel, ok := h.jobs[accountID]; ok {
			cancel()
			delete(h.jobs, accountID)
			metrics.SnapshotJobs.Dec()
		}
		slog.Info("snapshot job stopped", "account_id", accountID)
	}
}

// Send marshals payload once and writes it to every subscriber of the
// account, pruning connections whose writes fail.
func (h *Hub) Send(accountID int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal hub payload", "err", err)
		return
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.subs[accountID]))
	for c := range h.subs[accountID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.drop(c)
		}
	}
}

// BroadcastAll writes the payload to every connected subscriber.
func (h *Hub) BroadcastAll(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal hub payload", "err", err)
		return
	}
	h.mu.Lock()
	var clients []*Client
	for _, set := range h.subs {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.drop(c)
		}
	}
}

// drop removes a dead client and closes its connection.
func (h *Hub) drop(c *Client) {
	h.Unsubscribe(c)
	c.conn.Close()
}

// SubscriberCount reports the number of subscribers for an account.
func (h *Hub) SubscriberCount(accountID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[accountID])
}

// JobRunning reports whether the account's periodic snapshot job is active.
func (h *Hub) JobRunning(accountID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.jobs[accountID]
	return ok
}

// snapshotLoop pushes a fresh snapshot to the account's subscribers every
// interval until the job is cancelled. The snapshot is built in full before
// any write so every subscriber sees the same point-in-time state.
func (h *Hub) snapshotLoop(ctx context.Context, accountID int64) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := h.source.Snapshot(ctx, accountID)
			if err != nil {
				slog.Warn("snapshot build failed", "account_id", accountID, "err", err)
				continue
			}
			h.Send(accountID, snap)
		}
	}
}

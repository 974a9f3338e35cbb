package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

// MemoryLedger implements Ledger with in-memory maps behind a single mutex.
// Used for testing and development. The mutex gives the same serialization
// guarantee the PostgreSQL implementation gets from row locks: two
// concurrent fills on one account cannot both pass the funds re-check.
type MemoryLedger struct {
	mu         sync.Mutex
	accounts   map[int64]*model.Account
	positions  map[int64]*model.Position
	orders     map[int64]*model.Order
	trades     []model.Trade
	snapshots  []model.AssetSnapshot
	strategies map[int64]*model.StrategyConfig
	decisions  []model.DecisionLog
	nextID     int64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:   make(map[int64]*model.Account),
		positions:  make(map[int64]*model.Position),
		orders:     make(map[int64]*model.Order),
		strategies: make(map[int64]*model.StrategyConfig),
		nextID:     1,
	}
}

func (s *MemoryLedger) genID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// --- Accounts ---

func (s *MemoryLedger) CreateAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.ID == 0 {
		acc.ID = s.genID()
	} else if acc.ID >= s.nextID {
		s.nextID = acc.ID + 1
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	cp := *acc
	s.accounts[acc.ID] = &cp
	return nil
}

func (s *MemoryLedger) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccountLocked(id)
}

func (s *MemoryLedger) getAccountLocked(id int64) (*model.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *MemoryLedger) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryLedger) ListAutoTradeAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Account
	for _, acc := range s.accounts {
		if acc.Active && acc.AutoTrading {
			out = append(out, *acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryLedger) UpdateAccount(_ context.Context, id int64, upd AccountUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	applyAccountUpdate(acc, upd)
	return nil
}

func applyAccountUpdate(acc *model.Account, upd AccountUpdate) {
	if upd.Name != nil {
		acc.Name = *upd.Name
	}
	if upd.Model != nil {
		acc.Model = *upd.Model
	}
	if upd.BaseURL != nil {
		acc.BaseURL = *upd.BaseURL
	}
	if upd.APIKey != nil {
		acc.APIKey = *upd.APIKey
	}
	if upd.TradeMode != nil {
		acc.TradeMode = *upd.TradeMode
	}
	if upd.Active != nil {
		acc.Active = *upd.Active
	}
	if upd.AutoTrading != nil {
		acc.AutoTrading = *upd.AutoTrading
	}
}

func (s *MemoryLedger) SetAccountCash(_ context.Context, id int64, cash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.CurrentCash = cash
	return nil
}

// --- Positions ---

func (s *MemoryLedger) GetPosition(_ context.Context, accountID int64, symbol, market string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findPositionLocked(accountID, symbol, market)
	if p == nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryLedger) findPositionLocked(accountID int64, symbol, market string) *model.Position {
	for _, p := range s.positions {
		if p.AccountID == accountID && p.Symbol == symbol && p.Market == market {
			return p
		}
	}
	return nil
}

func (s *MemoryLedger) ListPositions(_ context.Context, accountID int64) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPositionsLocked(accountID), nil
}

func (s *MemoryLedger) listPositionsLocked(accountID int64) []model.Position {
	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadAccountView reads everything under one lock hold, so a concurrent fill
// is either fully visible or not at all.
func (s *MemoryLedger) LoadAccountView(_ context.Context, accountID int64, recent int) (*AccountView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.getAccountLocked(accountID)
	if err != nil {
		return nil, err
	}
	return &AccountView{
		Account:   acc,
		Positions: s.listPositionsLocked(accountID),
		Orders:    s.listOrdersLocked(accountID, recent),
		Trades:    s.listTradesLocked(accountID, recent),
	}, nil
}

// --- Orders ---

func (s *MemoryLedger) CreateOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[order.AccountID]
	if !ok {
		return ErrNotFound
	}

	switch order.Side {
	case model.SideBuy:
		available := acc.CurrentCash.Sub(acc.FrozenCash)
		if available.LessThan(order.FrozenCash) {
			return &InsufficientFundsError{Needed: order.FrozenCash, Available: available}
		}
		acc.FrozenCash = acc.FrozenCash.Add(order.FrozenCash)
	case model.SideSell:
		p := s.findPositionLocked(order.AccountID, order.Symbol, order.Market)
		available := decimal.Zero
		if p != nil {
			available = p.AvailableQuantity
		}
		if available.LessThan(order.Quantity) {
			return &InsufficientPositionError{Symbol: order.Symbol, Needed: order.Quantity, Available: available}
		}
	}

	order.ID = s.genID()
	order.Status = model.StatusPending
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *MemoryLedger) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryLedger) ListOrders(_ context.Context, accountID int64, limit int) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrdersLocked(accountID, limit), nil
}

func (s *MemoryLedger) listOrdersLocked(accountID int64, limit int) []model.Order {
	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryLedger) ListPendingOrders(_ context.Context, accountID int64) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status != model.StatusPending {
			continue
		}
		if accountID != 0 && o.AccountID != accountID {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryLedger) ApplyFill(_ context.Context, fill Fill) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[fill.OrderID]
	if !ok {
		return nil, ErrNotFound
	}
	if order.Status != model.StatusPending {
		return nil, ErrOrderNotPending
	}
	acc, ok := s.accounts[fill.AccountID]
	if !ok {
		return nil, ErrNotFound
	}

	notional := fill.Notional()

	switch fill.Side {
	case model.SideBuy:
		cashNeeded := notional.Add(fill.Commission)
		if acc.CurrentCash.LessThan(cashNeeded) {
			return nil, &InsufficientFundsError{Needed: cashNeeded, Available: acc.CurrentCash}
		}
		acc.CurrentCash = acc.CurrentCash.Sub(cashNeeded)

		p := s.findPositionLocked(fill.AccountID, fill.Symbol, fill.Market)
		if p == nil {
			p = &model.Position{
				ID:        s.genID(),
				AccountID: fill.AccountID,
				Symbol:    fill.Symbol,
				Name:      fill.Name,
				Market:    fill.Market,
			}
			s.positions[p.ID] = p
		}
		oldQty := p.Quantity
		newQty := oldQty.Add(fill.Quantity)
		if oldQty.IsZero() {
			p.AvgCost = fill.Price
		} else {
			p.AvgCost = p.AvgCost.Mul(oldQty).Add(notional).Div(newQty)
		}
		p.Quantity = newQty
		p.AvailableQuantity = p.AvailableQuantity.Add(fill.Quantity)

	case model.SideSell:
		p := s.findPositionLocked(fill.AccountID, fill.Symbol, fill.Market)
		available := decimal.Zero
		if p != nil {
			available = p.AvailableQuantity
		}
		if available.LessThan(fill.Quantity) {
			return nil, &InsufficientPositionError{Symbol: fill.Symbol, Needed: fill.Quantity, Available: available}
		}
		p.Quantity = p.Quantity.Sub(fill.Quantity)
		p.AvailableQuantity = p.AvailableQuantity.Sub(fill.Quantity)
		// Average cost of remaining shares is unchanged on SELL.
		acc.CurrentCash = acc.CurrentCash.Add(notional.Sub(fill.Commission))
	}

	if fill.Side == model.SideBuy {
		acc.FrozenCash = decimal.Max(acc.FrozenCash.Sub(fill.ReleaseFrozen), decimal.Zero)
	}

	trade := model.Trade{
		ID:         s.genID(),
		OrderID:    order.ID,
		AccountID:  fill.AccountID,
		Symbol:     fill.Symbol,
		Name:       fill.Name,
		Market:     fill.Market,
		Side:       fill.Side,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Commission: fill.Commission,
		TradeTime:  time.Now().UTC(),
	}
	s.trades = append(s.trades, trade)

	order.FilledQuantity = fill.Quantity
	order.Status = model.StatusFilled

	cp := trade
	return &cp, nil
}

func (s *MemoryLedger) CancelOrder(_ context.Context, orderID int64, release decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if order.Status != model.StatusPending {
		return false, nil
	}
	order.Status = model.StatusCancelled
	if acc, ok := s.accounts[order.AccountID]; ok && order.Side == model.SideBuy {
		acc.FrozenCash = decimal.Max(acc.FrozenCash.Sub(release), decimal.Zero)
	}
	return true, nil
}

func (s *MemoryLedger) MarkOrderFailed(_ context.Context, orderID int64, release decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status != model.StatusPending {
		return ErrOrderNotPending
	}
	order.Status = model.StatusFailed
	if acc, ok := s.accounts[order.AccountID]; ok && order.Side == model.SideBuy {
		acc.FrozenCash = decimal.Max(acc.FrozenCash.Sub(release), decimal.Zero)
	}
	return nil
}

// --- Trades ---

func (s *MemoryLedger) ListTrades(_ context.Context, accountID int64, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTradesLocked(accountID, limit), nil
}

func (s *MemoryLedger) listTradesLocked(accountID int64, limit int) []model.Trade {
	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].AccountID == accountID {
			out = append(out, s.trades[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// --- Asset snapshots ---

func (s *MemoryLedger) InsertSnapshot(_ context.Context, snap *model.AssetSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ID = s.genID()
	if snap.EventTime.IsZero() {
		snap.EventTime = time.Now().UTC()
	}
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryLedger) ListSnapshots(_ context.Context, accountID int64, since time.Time) ([]model.AssetSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.AssetSnapshot
	for _, snap := range s.snapshots {
		if snap.AccountID == accountID && !snap.EventTime.Before(since) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *MemoryLedger) PurgeSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	var removed int64
	for _, snap := range s.snapshots {
		if snap.EventTime.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return removed, nil
}

// --- Strategy configuration ---

func (s *MemoryLedger) GetStrategy(_ context.Context, accountID int64) (*model.StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.strategies[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryLedger) UpsertStrategy(_ context.Context, cfg *model.StrategyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	s.strategies[cfg.AccountID] = &cp
	return nil
}

func (s *MemoryLedger) SetLastTrigger(_ context.Context, accountID int64, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.strategies[accountID]
	if !ok {
		return ErrNotFound
	}
	w := when.UTC()
	cfg.LastTriggerAt = &w
	return nil
}

// --- AI decision log ---

func (s *MemoryLedger) InsertDecision(_ context.Context, dec *model.DecisionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dec.ID = s.genID()
	if dec.DecisionTime.IsZero() {
		dec.DecisionTime = time.Now().UTC()
	}
	s.decisions = append(s.decisions, *dec)
	return nil
}

func (s *MemoryLedger) ListDecisions(_ context.Context, accountID int64, limit int) ([]model.DecisionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.DecisionLog
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].AccountID == accountID {
			out = append(out, s.decisions[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

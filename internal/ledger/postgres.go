package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

// PostgresLedger implements Ledger using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Fill/cancel/create each run inside one transaction with the account row
// locked (SELECT ... FOR UPDATE), so two concurrent fills on the same
// account serialize and re-validate against committed state.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a PostgreSQL-backed ledger for one trade mode.
// Paper and real modes use separate pools pointing at separate databases.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const accountCols = `id, user_id, name, trade_mode,
	initial_capital::TEXT, current_cash::TEXT, frozen_cash::TEXT,
	is_active, auto_trading, model, base_url, api_key, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var initial, cash, frozen string
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.TradeMode,
		&initial, &cash, &frozen,
		&a.Active, &a.AutoTrading, &a.Model, &a.BaseURL, &a.APIKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.InitialCapital, _ = decimal.NewFromString(initial)
	a.CurrentCash, _ = decimal.NewFromString(cash)
	a.FrozenCash, _ = decimal.NewFromString(frozen)
	return &a, nil
}

// --- Accounts ---

func (s *PostgresLedger) CreateAccount(ctx context.Context, acc *model.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	if acc.ID != 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO accounts (id, user_id, name, trade_mode, initial_capital, current_cash, frozen_cash,
			                       is_active, auto_trading, model, base_url, api_key, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13)`,
			acc.ID, acc.UserID, acc.Name, acc.TradeMode,
			acc.InitialCapital.String(), acc.CurrentCash.String(), acc.FrozenCash.String(),
			acc.Active, acc.AutoTrading, acc.Model, acc.BaseURL, acc.APIKey, acc.CreatedAt)
		return err
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO accounts (user_id, name, trade_mode, initial_capital, current_cash, frozen_cash,
		                       is_active, auto_trading, model, base_url, api_key, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		acc.UserID, acc.Name, acc.TradeMode,
		acc.InitialCapital.String(), acc.CurrentCash.String(), acc.FrozenCash.String(),
		acc.Active, acc.AutoTrading, acc.Model, acc.BaseURL, acc.APIKey, acc.CreatedAt).
		Scan(&acc.ID)
}

func (s *PostgresLedger) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresLedger) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (s *PostgresLedger) ListAutoTradeAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE is_active AND auto_trading ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]model.Account, error) {
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresLedger) UpdateAccount(ctx context.Context, id int64, upd AccountUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET
		   name         = COALESCE($2, name),
		   model        = COALESCE($3, model),
		   base_url     = COALESCE($4, base_url),
		   api_key      = COALESCE($5, api_key),
		   trade_mode   = COALESCE($6, trade_mode),
		   is_active    = COALESCE($7, is_active),
		   auto_trading = COALESCE($8, auto_trading)
		 WHERE id = $1`,
		id, upd.Name, upd.Model, upd.BaseURL, upd.APIKey,
		(*string)(upd.TradeMode), upd.Active, upd.AutoTrading)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresLedger) SetAccountCash(ctx context.Context, id int64, cash decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET current_cash = $2::NUMERIC WHERE id = $1`, id, cash.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Positions ---

const positionCols = `id, account_id, symbol, name, market,
	quantity::TEXT, available_quantity::TEXT, avg_cost::TEXT`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, avail, cost string
	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.Name, &p.Market, &qty, &avail, &cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvailableQuantity, _ = decimal.NewFromString(avail)
	p.AvgCost, _ = decimal.NewFromString(cost)
	return &p, nil
}

func (s *PostgresLedger) GetPosition(ctx context.Context, accountID int64, symbol, market string) (*model.Position, error) {
	return scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND market = $3`,
		accountID, symbol, market))
}

func (s *PostgresLedger) ListPositions(ctx context.Context, accountID int64) ([]model.Position, error) {
	return queryPositions(ctx, s.pool, accountID)
}

// querier is the read surface shared by the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryPositions(ctx context.Context, q querier, accountID int64) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// LoadAccountView reads the account and its activity inside one
// repeatable-read transaction, so the view is a single committed instant.
func (s *PostgresLedger) LoadAccountView(ctx context.Context, accountID int64, recent int) (*AccountView, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		return nil, err
	}
	positions, err := queryPositions(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	orders, err := queryOrders(ctx, tx, accountID, recent)
	if err != nil {
		return nil, err
	}
	trades, err := queryTrades(ctx, tx, accountID, recent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &AccountView{Account: acc, Positions: positions, Orders: orders, Trades: trades}, nil
}

// --- Orders ---

const orderCols = `id, order_no, account_id, symbol, name, market, side, order_type,
	price::TEXT, quantity::TEXT, filled_quantity::TEXT, frozen_cash::TEXT, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price *string
	var qty, filled, frozen string
	err := row.Scan(&o.ID, &o.OrderNo, &o.AccountID, &o.Symbol, &o.Name, &o.Market,
		&o.Side, &o.Type, &price, &qty, &filled, &frozen, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if price != nil {
		d, _ := decimal.NewFromString(*price)
		o.Price = &d
	}
	o.Quantity, _ = decimal.NewFromString(qty)
	o.FilledQuantity, _ = decimal.NewFromString(filled)
	o.FrozenCash, _ = decimal.NewFromString(frozen)
	return &o, nil
}

func (s *PostgresLedger) CreateOrder(ctx context.Context, order *model.Order) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		acc, err := lockAccount(ctx, tx, order.AccountID)
		if err != nil {
			return err
		}

		switch order.Side {
		case model.SideBuy:
			available := acc.CurrentCash.Sub(acc.FrozenCash)
			if available.LessThan(order.FrozenCash) {
				return &InsufficientFundsError{Needed: order.FrozenCash, Available: available}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET frozen_cash = frozen_cash + $2::NUMERIC WHERE id = $1`,
				order.AccountID, order.FrozenCash.String()); err != nil {
				return err
			}
		case model.SideSell:
			avail, err := lockedAvailableQty(ctx, tx, order.AccountID, order.Symbol, order.Market)
			if err != nil {
				return err
			}
			if avail.LessThan(order.Quantity) {
				return &InsufficientPositionError{Symbol: order.Symbol, Needed: order.Quantity, Available: avail}
			}
		}

		var priceStr *string
		if order.Price != nil {
			v := order.Price.String()
			priceStr = &v
		}
		order.Status = model.StatusPending
		if order.CreatedAt.IsZero() {
			order.CreatedAt = time.Now().UTC()
		}
		return tx.QueryRow(ctx,
			`INSERT INTO orders (order_no, account_id, symbol, name, market, side, order_type,
			                     price, quantity, filled_quantity, frozen_cash, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, 0, $10::NUMERIC, $11, $12)
			 RETURNING id`,
			order.OrderNo, order.AccountID, order.Symbol, order.Name, order.Market,
			order.Side, order.Type, priceStr, order.Quantity.String(),
			order.FrozenCash.String(), order.Status, order.CreatedAt).
			Scan(&order.ID)
	})
}

func (s *PostgresLedger) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
}

func (s *PostgresLedger) ListOrders(ctx context.Context, accountID int64, limit int) ([]model.Order, error) {
	return queryOrders(ctx, s.pool, accountID, limit)
}

func queryOrders(ctx context.Context, q querier, accountID int64, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE account_id = $1 ORDER BY id DESC`
	args := []any{accountID}
	// limit <= 0 means no limit, matching the memory ledger.
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresLedger) ListPendingOrders(ctx context.Context, accountID int64) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE status = 'PENDING' ORDER BY created_at`
	args := []any{}
	if accountID != 0 {
		q = `SELECT ` + orderCols + ` FROM orders WHERE status = 'PENDING' AND account_id = $1 ORDER BY created_at`
		args = append(args, accountID)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresLedger) ApplyFill(ctx context.Context, fill Fill) (*model.Trade, error) {
	var trade *model.Trade
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the order row first to pin its status.
		var status model.OrderStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, fill.OrderID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != model.StatusPending {
			return ErrOrderNotPending
		}

		acc, err := lockAccount(ctx, tx, fill.AccountID)
		if err != nil {
			return err
		}

		notional := fill.Notional()

		switch fill.Side {
		case model.SideBuy:
			cashNeeded := notional.Add(fill.Commission)
			if acc.CurrentCash.LessThan(cashNeeded) {
				return &InsufficientFundsError{Needed: cashNeeded, Available: acc.CurrentCash}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET current_cash = current_cash - $2::NUMERIC WHERE id = $1`,
				fill.AccountID, cashNeeded.String()); err != nil {
				return err
			}
			if err := upsertPositionBuy(ctx, tx, fill, notional); err != nil {
				return err
			}

		case model.SideSell:
			avail, err := lockedAvailableQty(ctx, tx, fill.AccountID, fill.Symbol, fill.Market)
			if err != nil {
				return err
			}
			if avail.LessThan(fill.Quantity) {
				return &InsufficientPositionError{Symbol: fill.Symbol, Needed: fill.Quantity, Available: avail}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE positions
				 SET quantity = quantity - $4::NUMERIC,
				     available_quantity = available_quantity - $4::NUMERIC
				 WHERE account_id = $1 AND symbol = $2 AND market = $3`,
				fill.AccountID, fill.Symbol, fill.Market, fill.Quantity.String()); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET current_cash = current_cash + $2::NUMERIC WHERE id = $1`,
				fill.AccountID, notional.Sub(fill.Commission).String()); err != nil {
				return err
			}
		}

		if fill.Side == model.SideBuy {
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET frozen_cash = GREATEST(frozen_cash - $2::NUMERIC, 0) WHERE id = $1`,
				fill.AccountID, fill.ReleaseFrozen.String()); err != nil {
				return err
			}
		}

		t := model.Trade{
			OrderID:    fill.OrderID,
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
		if err := tx.QueryRow(ctx,
			`INSERT INTO trades (order_id, account_id, symbol, name, market, side, price, quantity, commission, trade_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
			 RETURNING id`,
			t.OrderID, t.AccountID, t.Symbol, t.Name, t.Market, t.Side,
			t.Price.String(), t.Quantity.String(), t.Commission.String(), t.TradeTime).
			Scan(&t.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET filled_quantity = $2::NUMERIC, status = 'FILLED' WHERE id = $1`,
			fill.OrderID, fill.Quantity.String()); err != nil {
			return err
		}

		trade = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

func upsertPositionBuy(ctx context.Context, tx pgx.Tx, fill Fill, notional decimal.Decimal) error {
	p, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND market = $3 FOR UPDATE`,
		fill.AccountID, fill.Symbol, fill.Market))
	if errors.Is(err, ErrNotFound) {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, symbol, name, market, quantity, available_quantity, avg_cost)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $5::NUMERIC, $6::NUMERIC)`,
			fill.AccountID, fill.Symbol, fill.Name, fill.Market,
			fill.Quantity.String(), fill.Price.String())
		return err
	}
	if err != nil {
		return err
	}

	newQty := p.Quantity.Add(fill.Quantity)
	newCost := fill.Price
	if !p.Quantity.IsZero() {
		newCost = p.AvgCost.Mul(p.Quantity).Add(notional).Div(newQty)
	}
	_, err = tx.Exec(ctx,
		`UPDATE positions
		 SET quantity = $2::NUMERIC,
		     available_quantity = available_quantity + $3::NUMERIC,
		     avg_cost = $4::NUMERIC
		 WHERE id = $1`,
		p.ID, newQty.String(), fill.Quantity.String(), newCost.String())
	return err
}

func (s *PostgresLedger) CancelOrder(ctx context.Context, orderID int64, release decimal.Decimal) (bool, error) {
	cancelled := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var accountID int64
		var side model.Side
		var status model.OrderStatus
		err := tx.QueryRow(ctx,
			`SELECT account_id, side, status FROM orders WHERE id = $1 FOR UPDATE`, orderID).
			Scan(&accountID, &side, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != model.StatusPending {
			return nil // already terminal; second cancel is a no-op
		}
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = 'CANCELLED' WHERE id = $1`, orderID); err != nil {
			return err
		}
		if side == model.SideBuy {
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET frozen_cash = GREATEST(frozen_cash - $2::NUMERIC, 0) WHERE id = $1`,
				accountID, release.String()); err != nil {
				return err
			}
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}

func (s *PostgresLedger) MarkOrderFailed(ctx context.Context, orderID int64, release decimal.Decimal) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var accountID int64
		var side model.Side
		var status model.OrderStatus
		err := tx.QueryRow(ctx,
			`SELECT account_id, side, status FROM orders WHERE id = $1 FOR UPDATE`, orderID).
			Scan(&accountID, &side, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != model.StatusPending {
			return ErrOrderNotPending
		}
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = 'FAILED' WHERE id = $1`, orderID); err != nil {
			return err
		}
		if side == model.SideBuy {
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET frozen_cash = GREATEST(frozen_cash - $2::NUMERIC, 0) WHERE id = $1`,
				accountID, release.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Trades ---

func (s *PostgresLedger) ListTrades(ctx context.Context, accountID int64, limit int) ([]model.Trade, error) {
	return queryTrades(ctx, s.pool, accountID, limit)
}

func queryTrades(ctx context.Context, q querier, accountID int64, limit int) ([]model.Trade, error) {
	query := `SELECT id, order_id, account_id, symbol, name, market, side,
	                 price::TEXT, quantity::TEXT, commission::TEXT, trade_time
	          FROM trades WHERE account_id = $1 ORDER BY trade_time DESC`
	args := []any{accountID}
	// limit <= 0 means no limit, matching the memory ledger.
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, qty, comm string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.Symbol, &t.Name, &t.Market,
			&t.Side, &price, &qty, &comm, &t.TradeTime); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Commission, _ = decimal.NewFromString(comm)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Asset snapshots ---

func (s *PostgresLedger) InsertSnapshot(ctx context.Context, snap *model.AssetSnapshot) error {
	if snap.EventTime.IsZero() {
		snap.EventTime = time.Now().UTC()
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO asset_snapshots (account_id, total_assets, cash, positions_value, trigger_symbol, trigger_market, event_time)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)
		 RETURNING id`,
		snap.AccountID, snap.TotalAssets.String(), snap.Cash.String(), snap.PositionsValue.String(),
		snap.TriggerSymbol, snap.TriggerMarket, snap.EventTime).
		Scan(&snap.ID)
}

func (s *PostgresLedger) ListSnapshots(ctx context.Context, accountID int64, since time.Time) ([]model.AssetSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, total_assets::TEXT, cash::TEXT, positions_value::TEXT,
		        trigger_symbol, trigger_market, event_time
		 FROM asset_snapshots WHERE account_id = $1 AND event_time >= $2 ORDER BY event_time`,
		accountID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssetSnapshot
	for rows.Next() {
		var a model.AssetSnapshot
		var total, cash, posVal string
		if err := rows.Scan(&a.ID, &a.AccountID, &total, &cash, &posVal,
			&a.TriggerSymbol, &a.TriggerMarket, &a.EventTime); err != nil {
			return nil, err
		}
		a.TotalAssets, _ = decimal.NewFromString(total)
		a.Cash, _ = decimal.NewFromString(cash)
		a.PositionsValue, _ = decimal.NewFromString(posVal)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresLedger) PurgeSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM asset_snapshots WHERE event_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Strategy configuration ---

func (s *PostgresLedger) GetStrategy(ctx context.Context, accountID int64) (*model.StrategyConfig, error) {
	var cfg model.StrategyConfig
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, trigger_mode, interval_seconds, tick_batch_size, enabled, last_trigger_at
		 FROM strategy_configs WHERE account_id = $1`, accountID).
		Scan(&cfg.AccountID, &cfg.TriggerMode, &cfg.IntervalSeconds, &cfg.TickBatchSize,
			&cfg.Enabled, &cfg.LastTriggerAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresLedger) UpsertStrategy(ctx context.Context, cfg *model.StrategyConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_configs (account_id, trigger_mode, interval_seconds, tick_batch_size, enabled, last_trigger_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id) DO UPDATE SET
		   trigger_mode = EXCLUDED.trigger_mode,
		   interval_seconds = EXCLUDED.interval_seconds,
		   tick_batch_size = EXCLUDED.tick_batch_size,
		   enabled = EXCLUDED.enabled`,
		cfg.AccountID, cfg.TriggerMode, cfg.IntervalSeconds, cfg.TickBatchSize,
		cfg.Enabled, cfg.LastTriggerAt)
	return err
}

func (s *PostgresLedger) SetLastTrigger(ctx context.Context, accountID int64, when time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE strategy_configs SET last_trigger_at = $2 WHERE account_id = $1`,
		accountID, when.UTC())
	return err
}

// --- AI decision log ---

func (s *PostgresLedger) InsertDecision(ctx context.Context, dec *model.DecisionLog) error {
	if dec.DecisionTime.IsZero() {
		dec.DecisionTime = time.Now().UTC()
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO decision_logs (account_id, operation, symbol, prev_portion, target_portion,
		                            total_balance, reason, executed, order_id, decision_time)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)
		 RETURNING id`,
		dec.AccountID, dec.Operation, dec.Symbol,
		dec.PrevPortion.String(), dec.TargetPortion.String(), dec.TotalBalance.String(),
		dec.Reason, dec.Executed, dec.OrderID, dec.DecisionTime).
		Scan(&dec.ID)
}

func (s *PostgresLedger) ListDecisions(ctx context.Context, accountID int64, limit int) ([]model.DecisionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, operation, symbol, prev_portion::TEXT, target_portion::TEXT,
		        total_balance::TEXT, reason, executed, order_id, decision_time
		 FROM decision_logs WHERE account_id = $1 ORDER BY decision_time DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DecisionLog
	for rows.Next() {
		var d model.DecisionLog
		var prev, target, total string
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Operation, &d.Symbol, &prev, &target,
			&total, &d.Reason, &d.Executed, &d.OrderID, &d.DecisionTime); err != nil {
			return nil, err
		}
		d.PrevPortion, _ = decimal.NewFromString(prev)
		d.TargetPortion, _ = decimal.NewFromString(target)
		d.TotalBalance, _ = decimal.NewFromString(total)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Helpers ---

func (s *PostgresLedger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockAccount(ctx context.Context, tx pgx.Tx, id int64) (*model.Account, error) {
	return scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func lockedAvailableQty(ctx context.Context, tx pgx.Tx, accountID int64, symbol, market string) (decimal.Decimal, error) {
	var avail string
	err := tx.QueryRow(ctx,
		`SELECT available_quantity::TEXT FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND market = $3 FOR UPDATE`,
		accountID, symbol, market).Scan(&avail)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(avail)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse available_quantity: %w", err)
	}
	return d, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

// Router holds the two physically independent ledgers and resolves which one
// an operation targets. Keeping two Ledger values (rather than one ledger
// with a mode column) makes "paper and real balances never mix" structural:
// there is no query that can reach both.
//
// Account metadata (name, model, credentials, trade mode) is authoritative
// in the paper ledger; the real ledger carries a mirrored row for accounts
// trading in real mode.
type Router struct {
	paper Ledger
	real  Ledger
}

// NewRouter creates a router over the two mode-specific ledgers.
func NewRouter(paper, real Ledger) *Router {
	return &Router{paper: paper, real: real}
}

// Paper returns the paper-mode ledger.
func (r *Router) Paper() Ledger { return r.paper }

// Real returns the real-mode ledger.
func (r *Router) Real() Ledger { return r.real }

// ForMode resolves the ledger for a trade mode. Unknown modes fall back to
// paper, matching the directory's defaulting behavior.
func (r *Router) ForMode(mode model.TradeMode) Ledger {
	if mode == model.ModeReal {
		return r.real
	}
	return r.paper
}

// ForAccount looks the account up in the metadata (paper) ledger and returns
// the ledger its trade mode selects, together with the metadata row. The
// returned ledger is resolved once and threaded through the whole logical
// operation so a concurrent mode switch cannot split one fill across stores.
func (r *Router) ForAccount(ctx context.Context, accountID int64) (Ledger, *model.Account, error) {
	acc, err := r.paper.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve account %d: %w", accountID, err)
	}
	return r.ForMode(acc.TradeMode), acc, nil
}

// MirrorAccount ensures the account exists in the ledger for the target mode,
// creating the row if absent. Idempotent: when the row already exists only
// mutable descriptive fields are updated — a cash balance that has diverged
// in the target ledger is never clobbered.
//
// A freshly mirrored paper row carries the account's current cash over; a
// real row is seeded with the initial capital as a placeholder until the
// broker balance sync overwrites it.
func (r *Router) MirrorAccount(ctx context.Context, acc *model.Account, target model.TradeMode) error {
	dst := r.ForMode(target)

	existing, err := dst.GetAccount(ctx, acc.ID)
	switch {
	case err == nil:
		upd := AccountUpdate{
			Name:        &acc.Name,
			Model:       &acc.Model,
			BaseURL:     &acc.BaseURL,
			APIKey:      &acc.APIKey,
			TradeMode:   &target,
			Active:      &acc.Active,
			AutoTrading: &acc.AutoTrading,
		}
		if err := dst.UpdateAccount(ctx, existing.ID, upd); err != nil {
			return fmt.Errorf("mirror account %d into %s: %w", acc.ID, target, err)
		}
		return nil

	case errors.Is(err, ErrNotFound):
		seed := acc.CurrentCash
		if target == model.ModeReal {
			seed = acc.InitialCapital
		}
		mirrored := model.Account{
			ID:             acc.ID,
			UserID:         acc.UserID,
			Name:           acc.Name,
			TradeMode:      target,
			InitialCapital: acc.InitialCapital,
			CurrentCash:    seed,
			FrozenCash:     decimal.Zero,
			Active:         acc.Active,
			AutoTrading:    acc.AutoTrading,
			Model:          acc.Model,
			BaseURL:        acc.BaseURL,
			APIKey:         acc.APIKey,
		}
		if err := dst.CreateAccount(ctx, &mirrored); err != nil {
			return fmt.Errorf("mirror account %d into %s: %w", acc.ID, target, err)
		}
		return nil

	default:
		return fmt.Errorf("mirror account %d into %s: %w", acc.ID, target, err)
	}
}

package deposit

import (
	"context"
	"errors"
	"fmt"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/clock"
	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
	"auction-engine/utils"
)

// Ledger manages deposit holds. Every operation is one atomic unit under the
// auction lock and writes one audit entry per deposit it transitions.
type Ledger struct {
	store  repository.AuctionStore
	policy policy.Policy
	clock  clock.Clock
	pub    events.Publisher
}

// NewLedger creates a ledger; pub receives integrity alerts and may be nil
func NewLedger(store repository.AuctionStore, p policy.Policy, c clock.Clock, pub events.Publisher) *Ledger {
	return &Ledger{store: store, policy: p, clock: c, pub: pub}
}

// HeldBy returns the deposit userID currently holds among deposits
func HeldBy(deposits []model.Deposit, userID string) (model.Deposit, bool) {
	for _, d := range deposits {
		if d.UserID == userID && d.Status == model.DepositHold {
			return d, true
		}
	}
	return model.Deposit{}, false
}

// EnsureHeld returns the user's hold on the auction, creating it if none exists.
// An amount of 0 takes the policy default; anything below that default is rejected.
func (l *Ledger) EnsureHeld(ctx context.Context, userID, auctionID string, amount int64) (model.Deposit, error) {
	if userID == "" || amount < 0 {
		return model.Deposit{}, fmt.Errorf("deposit: ensure held: %w", biddingerrors.ErrInvalidDeposit)
	}

	ctx, cancel := context.WithTimeout(ctx, l.policy.StoreTimeout)
	defer cancel()

	var held model.Deposit
	err := l.store.WithinAuction(ctx, auctionID, func(tx repository.Tx) error {
		auction := tx.Auction()
		if auction.Status != model.AuctionPending && auction.Status != model.AuctionLive {
			return biddingerrors.ErrAuctionNotActive
		}
		if auction.SellerID == userID {
			return biddingerrors.ErrSellerCannotBid
		}

		deposits, err := tx.Deposits(ctx)
		if err != nil {
			return err
		}
		if existing, ok := HeldBy(deposits, userID); ok {
			held = existing
			return nil
		}

		minimum := l.policy.DepositAmount(auction.StartPrice)
		if amount == 0 {
			amount = minimum
		}
		if amount < minimum {
			return biddingerrors.ErrDepositTooLow
		}

		now := l.clock.Now()
		held = model.Deposit{
			ID:        utils.GenerateID(),
			UserID:    userID,
			AuctionID: auctionID,
			Amount:    amount,
			Status:    model.DepositHold,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertDeposit(ctx, held); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityDeposit, held.ID, auctionID,
			model.AuditDepositHeld, userID, map[string]any{"amount": amount}, now))
	})
	if err != nil {
		return model.Deposit{}, fmt.Errorf("deposit: ensure held for user %s on auction %s: %w", userID, auctionID, err)
	}
	return held, nil
}

// Release moves every hold on the auction except exceptUserID's to released.
// It is safe to repeat and returns how many deposits it transitioned.
func (l *Ledger) Release(ctx context.Context, auctionID, exceptUserID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.policy.StoreTimeout)
	defer cancel()

	released := 0
	err := l.store.WithinAuction(ctx, auctionID, func(tx repository.Tx) error {
		deposits, err := tx.Deposits(ctx)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		for _, d := range deposits {
			if d.Status != model.DepositHold || (exceptUserID != "" && d.UserID == exceptUserID) {
				continue
			}
			d.Status = model.DepositReleased
			d.UpdatedAt = now
			if err := tx.UpdateDeposit(ctx, d); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityDeposit, d.ID, auctionID,
				model.AuditDepositReleased, "", map[string]any{"user_id": d.UserID, "amount": d.Amount}, now)); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deposit: release on auction %s: %w", auctionID, err)
	}
	return released, nil
}

// Capture moves the user's hold to captured. An already captured deposit is
// returned unchanged so an interrupted settlement can resume. Having neither
// is an integrity violation and raises an operator alert.
func (l *Ledger) Capture(ctx context.Context, auctionID, userID string) (model.Deposit, error) {
	ctx, cancel := context.WithTimeout(ctx, l.policy.StoreTimeout)
	defer cancel()

	var captured model.Deposit
	err := l.store.WithinAuction(ctx, auctionID, func(tx repository.Tx) error {
		deposits, err := tx.Deposits(ctx)
		if err != nil {
			return err
		}
		if d, ok := HeldBy(deposits, userID); ok {
			now := l.clock.Now()
			d.Status = model.DepositCaptured
			d.UpdatedAt = now
			if err := tx.UpdateDeposit(ctx, d); err != nil {
				return err
			}
			captured = d
			return tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityDeposit, d.ID, auctionID,
				model.AuditDepositCaptured, "", map[string]any{"user_id": userID, "amount": d.Amount}, now))
		}
		for _, d := range deposits {
			if d.UserID == userID && d.Status == model.DepositCaptured {
				captured = d
				return nil
			}
		}
		return biddingerrors.ErrDepositMissing
	})
	if errors.Is(err, biddingerrors.ErrDepositMissing) {
		events.RaiseAlert(ctx, l.pub, events.Alert{
			Component: "deposit",
			AuctionID: auctionID,
			UserID:    userID,
			Message:   "winner has no held or captured deposit",
		})
	}
	if err != nil {
		return model.Deposit{}, fmt.Errorf("deposit: capture for user %s on auction %s: %w", userID, auctionID, err)
	}
	return captured, nil
}

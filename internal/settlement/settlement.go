package settlement

import (
	"context"
	"errors"
	"fmt"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/clock"
	"auction-engine/internal/deposit"
	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
	"auction-engine/utils"

	"github.com/samber/lo"
)

// Outcome is the final state of one settled auction. ReserveMet reports whether
// the auction produced a sale: it is false when nobody bid, whether or not the
// auction had a reserve, so ReserveMet false with a nil WinnerID and no reserve
// means "no bids".
type Outcome struct {
	AuctionID     string              `json:"auction_id"`
	Status        model.AuctionStatus `json:"status"`
	WinnerID      *string             `json:"winner_id"`
	FinalPrice    int64               `json:"final_price"`
	ReserveMet    bool                `json:"reserve_met"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Released      int                 `json:"released"`
}

// Engine settles auctions that were claimed for closing. Each step runs in its
// own atomic unit and is idempotent, so an auction left in closing by a crash
// is completed by simply calling Settle again.
type Engine struct {
	store  repository.AuctionStore
	ledger *deposit.Ledger
	policy policy.Policy
	clock  clock.Clock
	pub    events.Publisher
}

func NewEngine(store repository.AuctionStore, ledger *deposit.Ledger, p policy.Policy, c clock.Clock, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{store: store, ledger: ledger, policy: p, clock: c, pub: pub}
}

// Settle resolves the winner of a closing auction, moves deposits, records the
// transaction and finishes the auction. A finished auction is reported as is.
func (e *Engine) Settle(ctx context.Context, auctionID string) (Outcome, error) {
	auction, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: %w", err)
	}
	if auction.Status == model.AuctionFinished {
		return e.settled(ctx, auction)
	}
	if auction.Status != model.AuctionClosing {
		return Outcome{}, fmt.Errorf("settlement: auction %s is %s: %w", auctionID, auction.Status, biddingerrors.ErrNotClosing)
	}

	// bids are frozen once the auction left live
	bids, err := e.store.GetBidsByAuction(ctx, auctionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: %w", err)
	}
	leader, hasLeader := model.LeaderBid(bids)
	reserveMet := hasLeader && (auction.ReservePrice == nil || leader.Amount >= *auction.ReservePrice)

	var (
		winnerID string
		txnID    string
		released int
	)
	if reserveMet {
		winnerID = leader.BidderID
		if _, err := e.ledger.Capture(ctx, auctionID, winnerID); err != nil {
			return Outcome{}, fmt.Errorf("settlement: %w", err)
		}
		if released, err = e.ledger.Release(ctx, auctionID, winnerID); err != nil {
			return Outcome{}, fmt.Errorf("settlement: %w", err)
		}
		if txnID, err = e.ensureTransaction(ctx, auction, leader); err != nil {
			return Outcome{}, fmt.Errorf("settlement: %w", err)
		}
	} else {
		if released, err = e.ledger.Release(ctx, auctionID, ""); err != nil {
			return Outcome{}, fmt.Errorf("settlement: %w", err)
		}
	}

	finalPrice := auction.CurrentPrice
	if hasLeader && leader.Amount > finalPrice {
		finalPrice = leader.Amount
	}
	finished, transitioned, err := e.finish(ctx, auctionID, winnerID, finalPrice, reserveMet)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: %w", err)
	}

	outcome := outcomeOf(finished, txnID)
	outcome.Released = released
	if !transitioned {
		// a concurrent sweep finished it first and already announced the result
		return outcome, nil
	}

	utils.Info("Auction settled", map[string]any{
		"auction_id":     auctionID,
		"winner_id":      winnerID,
		"final_price":    finalPrice,
		"reserve_met":    reserveMet,
		"transaction_id": txnID,
		"released":       released,
	})
	if hasLeader && !reserveMet {
		utils.Info("Reserve not met", map[string]any{
			"auction_id":    auctionID,
			"top_bid":       leader.Amount,
			"reserve_price": *auction.ReservePrice,
		})
	}
	events.Notify(ctx, e.pub, events.SubjectAuctionClosed, events.AuctionClosed{
		AuctionID:     auctionID,
		WinnerID:      winnerID,
		FinalPrice:    finalPrice,
		ReserveMet:    reserveMet,
		TransactionID: txnID,
		ClosedAt:      lo.FromPtr(finished.ClosedAt),
	})
	return outcome, nil
}

// ensureTransaction creates the buyer/seller transaction unless one already exists
func (e *Engine) ensureTransaction(ctx context.Context, auction model.Auction, winning model.Bid) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.policy.StoreTimeout)
	defer cancel()

	var id string
	err := e.store.WithinAuction(ctx, auction.ID, func(tx repository.Tx) error {
		existing, found, err := tx.FindTransaction(ctx)
		if err != nil {
			return err
		}
		if found {
			id = existing.ID
			return nil
		}

		now := e.clock.Now()
		txn := model.Transaction{
			ID:            utils.GenerateID(),
			AuctionID:     auction.ID,
			BuyerID:       winning.BidderID,
			SellerID:      auction.SellerID,
			VehicleAmount: winning.Amount,
			FeeAmount:     e.policy.Fee(winning.Amount),
			Status:        model.TransactionInitiated,
			CreatedAt:     now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		id = txn.ID
		return tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityTransaction, txn.ID, auction.ID,
			model.AuditTransactionCreated, "", map[string]any{
				"buyer_id":       txn.BuyerID,
				"vehicle_amount": txn.VehicleAmount,
				"fee_amount":     txn.FeeAmount,
			}, now))
	})
	if err != nil {
		return "", fmt.Errorf("create transaction for auction %s: %w", auction.ID, err)
	}
	return id, nil
}

// finish moves closing to finished and records the result. A finished auction
// is left untouched and reported with transitioned=false.
func (e *Engine) finish(ctx context.Context, auctionID, winnerID string, finalPrice int64, reserveMet bool) (model.Auction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.policy.StoreTimeout)
	defer cancel()

	var (
		finished     model.Auction
		transitioned bool
	)
	err := e.store.WithinAuction(ctx, auctionID, func(tx repository.Tx) error {
		a := tx.Auction()
		switch a.Status {
		case model.AuctionFinished:
			finished = a
			return nil
		case model.AuctionClosing:
		default:
			return biddingerrors.ErrNotClosing
		}

		now := e.clock.Now()
		a.Status = model.AuctionFinished
		a.CurrentPrice = finalPrice
		a.ReserveMet = &reserveMet
		a.ClosedAt = &now
		if winnerID != "" {
			w := winnerID
			a.WinnerID = &w
		}
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		finished = tx.Auction()
		transitioned = true
		return tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityAuction, auctionID,
			auctionID, model.AuditAuctionClosed, "", map[string]any{
				"winner_id":   winnerID,
				"final_price": finalPrice,
				"reserve_met": reserveMet,
			}, now))
	})
	if err != nil {
		return model.Auction{}, false, fmt.Errorf("finish auction %s: %w", auctionID, err)
	}
	return finished, transitioned, nil
}

// settled reports an auction that was finished earlier
func (e *Engine) settled(ctx context.Context, auction model.Auction) (Outcome, error) {
	txnID := ""
	txn, err := e.store.GetTransaction(ctx, auction.ID)
	switch {
	case err == nil:
		txnID = txn.ID
	case !errors.Is(err, biddingerrors.ErrTransactionNotFound):
		return Outcome{}, fmt.Errorf("settlement: %w", err)
	}
	return outcomeOf(auction, txnID), nil
}

func outcomeOf(a model.Auction, txnID string) Outcome {
	o := Outcome{
		AuctionID:     a.ID,
		Status:        a.Status,
		WinnerID:      a.WinnerID,
		FinalPrice:    a.CurrentPrice,
		TransactionID: txnID,
	}
	if a.ReserveMet != nil {
		o.ReserveMet = *a.ReserveMet
	}
	return o
}

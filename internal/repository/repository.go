//go:generate mockgen -package=repository -destination=mock_repository.go -source=repository.go

package repository

import (
	"context"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
)

// AuctionStore defines the transactional persistence the bidding engine needs
type AuctionStore interface {
	// WithinAuction runs fn as one atomic unit holding the write lock of the auction row.
	// fn sees the locked snapshot through tx; returning an error discards every write.
	WithinAuction(ctx context.Context, auctionID string, fn func(tx Tx) error) error

	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	// ListDueAuctions returns live auctions whose end passed before now, and auctions stuck in closing
	ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]model.Auction, error)
	GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetDepositsByAuction(ctx context.Context, auctionID string) ([]model.Deposit, error)
	GetTransaction(ctx context.Context, auctionID string) (model.Transaction, error)
	GetAuditLog(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error)
}

// Tx is the view of one auction inside an atomic unit
type Tx interface {
	Auction() model.Auction
	UpdateAuction(ctx context.Context, auction model.Auction) error

	Bids(ctx context.Context) ([]model.Bid, error)
	FindBidByIdempotencyKey(ctx context.Context, bidderID, key string) (model.Bid, bool, error)
	InsertBid(ctx context.Context, bid model.Bid) error

	Deposits(ctx context.Context) ([]model.Deposit, error)
	InsertDeposit(ctx context.Context, deposit model.Deposit) error
	UpdateDeposit(ctx context.Context, deposit model.Deposit) error

	FindTransaction(ctx context.Context) (model.Transaction, bool, error)
	InsertTransaction(ctx context.Context, txn model.Transaction) error

	AppendAudit(ctx context.Context, entry model.AuditLog) error
}

// checkAuctionUpdate guards the row-level invariants every store enforces on write
func checkAuctionUpdate(prev, next model.Auction) error {
	if prev.ID != next.ID {
		return fmt.Errorf("update auction %s: id changed to %s: %w", prev.ID, next.ID, biddingerrors.ErrIntegrityViolation)
	}
	if next.CurrentPrice < prev.CurrentPrice {
		return fmt.Errorf("update auction %s: current price decreased %d -> %d: %w", prev.ID, prev.CurrentPrice, next.CurrentPrice, biddingerrors.ErrIntegrityViolation)
	}
	if next.EndAt.Before(prev.EndAt) {
		return fmt.Errorf("update auction %s: end moved earlier: %w", prev.ID, biddingerrors.ErrIntegrityViolation)
	}
	if next.Status != prev.Status && !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("update auction %s: status %s -> %s: %w", prev.ID, prev.Status, next.Status, biddingerrors.ErrIntegrityViolation)
	}
	return nil
}

// checkDepositUpdate allows only hold -> released and hold -> captured
func checkDepositUpdate(prev, next model.Deposit) error {
	if prev.Status == next.Status {
		return nil
	}
	if prev.Status != model.DepositHold {
		return fmt.Errorf("update deposit %s: status %s -> %s: %w", prev.ID, prev.Status, next.Status, biddingerrors.ErrIntegrityViolation)
	}
	return nil
}

package bidding

import (
	"context"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/clock"
	"auction-engine/internal/deposit"
	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
	"auction-engine/internal/validator"
	"auction-engine/utils"
)

// PlaceBidRequest is one bid submission
type PlaceBidRequest struct {
	AuctionID      string
	BidderID       string
	Amount         int64
	SourceIP       string
	IdempotencyKey string
}

// PlaceBidResult describes the auction right after the bid committed
type PlaceBidResult struct {
	Bid          model.Bid `json:"bid"`
	Extended     bool      `json:"extended"`
	EndAt        time.Time `json:"end_at"`
	CurrentPrice int64     `json:"current_price"`
	// Replayed is true when the idempotency key matched a bid that had already committed
	Replayed bool `json:"replayed"`
}

// BiddingService defines the business logic for auction bidding
type BiddingService struct {
	repo   repository.AuctionStore
	ledger *deposit.Ledger
	policy policy.Policy
	clock  clock.Clock
	pub    events.Publisher
}

// Option customizes a BiddingService
type Option func(*BiddingService)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *BiddingService) { s.clock = c }
}

// WithPublisher sets where bid events go
func WithPublisher(pub events.Publisher) Option {
	return func(s *BiddingService) { s.pub = pub }
}

// NewBiddingService creates a new BiddingService instance
func NewBiddingService(repo repository.AuctionStore, ledger *deposit.Ledger, p policy.Policy, opts ...Option) *BiddingService {
	s := &BiddingService{
		repo:   repo,
		ledger: ledger,
		policy: p,
		clock:  clock.System{},
		pub:    events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBid admits or rejects a bid. Admission runs as one atomic unit holding the
// auction lock: the snapshot is read, the bid validated against it and the bid,
// price, end time and audit entry written together or not at all.
func (s *BiddingService) PlaceBid(ctx context.Context, req PlaceBidRequest) (PlaceBidResult, error) {
	if req.AuctionID == "" || req.BidderID == "" {
		return PlaceBidResult{}, fmt.Errorf("service: %w - missing auctionID or bidderID", biddingerrors.ErrInvalidBid)
	}
	if req.Amount <= 0 {
		return PlaceBidResult{}, fmt.Errorf("service: %w - non-positive bid amount", biddingerrors.ErrInvalidBid)
	}

	var (
		result       PlaceBidResult
		previousLead string
	)
	err := s.withRetry(ctx, "place bid", func(ctx context.Context) error {
		result, previousLead = PlaceBidResult{}, ""
		return s.repo.WithinAuction(ctx, req.AuctionID, func(tx repository.Tx) error {
			auction := tx.Auction()

			if req.IdempotencyKey != "" {
				prior, found, err := tx.FindBidByIdempotencyKey(ctx, req.BidderID, req.IdempotencyKey)
				if err != nil {
					return err
				}
				if found {
					result = PlaceBidResult{Bid: prior, EndAt: auction.EndAt, CurrentPrice: auction.CurrentPrice, Replayed: true}
					return nil
				}
			}

			if auction.SellerID == req.BidderID {
				return biddingerrors.ErrSellerCannotBid
			}

			deposits, err := tx.Deposits(ctx)
			if err != nil {
				return err
			}
			_, held := deposit.HeldBy(deposits, req.BidderID)

			// read the clock only once the lock is held
			now := s.clock.Now()
			rules := auction
			if rules.MinBidStep <= 0 {
				rules.MinBidStep = s.policy.MinBidStep
			}
			decision := validator.Validate(validator.Input{
				Auction:     rules,
				Amount:      req.Amount,
				DepositHeld: held,
				Now:         now,
			}, s.policy.AntiSnipeWindow)
			if !decision.Accept {
				return decision.Reason
			}

			bids, err := tx.Bids(ctx)
			if err != nil {
				return err
			}
			if leader, ok := model.LeaderBid(bids); ok {
				previousLead = leader.BidderID
			}

			bid := model.Bid{
				ID:             utils.GenerateID(),
				AuctionID:      req.AuctionID,
				BidderID:       req.BidderID,
				Amount:         req.Amount,
				PlacedAt:       now,
				Valid:          true,
				SourceIP:       req.SourceIP,
				IdempotencyKey: req.IdempotencyKey,
			}
			if err := tx.InsertBid(ctx, bid); err != nil {
				return err
			}

			auction.CurrentPrice = req.Amount
			auction.EndAt = decision.NewEndAt
			if err := tx.UpdateAuction(ctx, auction); err != nil {
				return err
			}

			details := map[string]any{
				"amount":   req.Amount,
				"extended": decision.Extended,
				"end_at":   decision.NewEndAt,
			}
			if req.SourceIP != "" {
				details["source_ip"] = req.SourceIP
			}
			if err := tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityBid, bid.ID, req.AuctionID,
				model.AuditBidPlaced, req.BidderID, details, now)); err != nil {
				return err
			}

			result = PlaceBidResult{
				Bid:          bid,
				Extended:     decision.Extended,
				EndAt:        decision.NewEndAt,
				CurrentPrice: req.Amount,
			}
			return nil
		})
	})
	if err != nil {
		return PlaceBidResult{}, fmt.Errorf("service: failed to place bid on auction %s by user %s: %w", req.AuctionID, req.BidderID, err)
	}

	if !result.Replayed {
		if result.Extended {
			utils.Info("Auction end extended", map[string]any{
				"auction_id": req.AuctionID,
				"end_at":     result.EndAt,
			})
		}
		if previousLead == req.BidderID {
			previousLead = ""
		}
		events.Notify(ctx, s.pub, events.SubjectBidPlaced, events.BidPlaced{
			AuctionID:    req.AuctionID,
			BidID:        result.Bid.ID,
			BidderID:     req.BidderID,
			Amount:       req.Amount,
			PlacedAt:     result.Bid.PlacedAt,
			EndAt:        result.EndAt,
			Extended:     result.Extended,
			PreviousLead: previousLead,
		})
	}
	return result, nil
}

// CreateDeposit places (or returns the existing) deposit hold of a user on an auction
func (s *BiddingService) CreateDeposit(ctx context.Context, auctionID, userID string, amount int64) (model.Deposit, error) {
	if auctionID == "" || userID == "" {
		return model.Deposit{}, fmt.Errorf("service: %w - missing auctionID or userID", biddingerrors.ErrInvalidDeposit)
	}

	var held model.Deposit
	err := s.withRetry(ctx, "create deposit", func(ctx context.Context) error {
		var err error
		held, err = s.ledger.EnsureHeld(ctx, userID, auctionID, amount)
		return err
	})
	if err != nil {
		return model.Deposit{}, fmt.Errorf("service: failed to create deposit on auction %s for user %s: %w", auctionID, userID, err)
	}
	return held, nil
}

// ListBids returns all bids for an auction in placement order
func (s *BiddingService) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidBid)
	}

	bids, err := s.repo.GetBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
	}
	return bids, nil
}

// GetLeaderBid returns the current leading valid bid of an auction
func (s *BiddingService) GetLeaderBid(ctx context.Context, auctionID string) (model.Bid, error) {
	bids, err := s.ListBids(ctx, auctionID)
	if err != nil {
		return model.Bid{}, err
	}

	leader, ok := model.LeaderBid(bids)
	if !ok {
		return model.Bid{}, fmt.Errorf("service: leader for auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return leader, nil
}

// withRetry reruns fn on transient store failures with linear backoff. Each
// attempt gets its own StoreTimeout so a slow lock wait cannot eat the budget of
// the next one. Once attempts run out the caller sees ErrTryAgain.
func (s *BiddingService) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := s.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil || !biddingerrors.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}

		utils.Warn("Transient store failure, retrying", map[string]any{
			"op":      op,
			"attempt": attempt,
			"error":   err.Error(),
		})
		select {
		case <-time.After(time.Duration(attempt) * s.policy.RetryBackoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", biddingerrors.ErrTryAgain, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", biddingerrors.ErrTryAgain, op, err)
}

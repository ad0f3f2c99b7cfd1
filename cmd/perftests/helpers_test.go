package perftests

import (
	"context"
	"fmt"
	"testing"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/clock"
	"auction-engine/internal/deposit"
	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
)

const (
	startPrice = 4_000_000
	step       = 25_000
)

// setupRepo creates a store with numAuctions live auctions and numUsers bidders
// holding deposits on each of them
func setupRepo(tb testing.TB, numAuctions, numUsers int) (*repository.MemoryRepo, *bidding.BiddingService) {
	tb.Helper()

	repo := repository.NewMemoryRepo()
	p := policy.Default()
	p.AntiSnipeWindow = 0
	ledger := deposit.NewLedger(repo, p, clock.System{}, events.Nop{})
	svc := bidding.NewBiddingService(repo, ledger, p)

	now := time.Now()
	ctx := context.Background()
	for i := 0; i < numAuctions; i++ {
		id := auctionID(i)
		repo.AddAuction(model.Auction{
			ID:           id,
			Status:       model.AuctionLive,
			SellerID:     "seller",
			StartAt:      now.Add(-time.Hour),
			EndAt:        now.Add(24 * time.Hour),
			StartPrice:   startPrice,
			CurrentPrice: startPrice,
			MinBidStep:   step,
		})
		for u := 0; u < numUsers; u++ {
			if _, err := svc.CreateDeposit(ctx, id, userID(u), 0); err != nil {
				tb.Fatalf("failed to hold deposit: %v", err)
			}
		}
	}
	return repo, svc
}

func auctionID(i int) string { return fmt.Sprintf("auction_%d", i) }
func userID(i int) string    { return fmt.Sprintf("user_%d", i) }

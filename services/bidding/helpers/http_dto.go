package helpers

import (
	"time"

	model "auction-engine/internal/models"
)

// Request/Response DTOs
type PlaceBidRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// CreateDepositRequest lets the amount default to the policy minimum when omitted
type CreateDepositRequest struct {
	Amount int64 `json:"amount" binding:"gte=0"`
}

type BidResponse struct {
	BidID     string `json:"bid_id"`
	AuctionID string `json:"auction_id"`
	BidderID  string `json:"bidder_id"`
	Amount    int64  `json:"amount"`
	PlacedAt  string `json:"placed_at"`
}

type PlaceBidResponse struct {
	Bid          BidResponse `json:"bid"`
	Extended     bool        `json:"extended"`
	EndAt        string      `json:"end_at"`
	CurrentPrice int64       `json:"current_price"`
	Replayed     bool        `json:"replayed"`
}

type DepositResponse struct {
	DepositID string `json:"deposit_id"`
	AuctionID string `json:"auction_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// NewBidResponse flattens a stored bid for the wire
func NewBidResponse(bid model.Bid) BidResponse {
	return BidResponse{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		PlacedAt:  bid.PlacedAt.UTC().Format(time.RFC3339Nano),
	}
}

func NewDepositResponse(d model.Deposit) DepositResponse {
	return DepositResponse{
		DepositID: d.ID,
		AuctionID: d.AuctionID,
		UserID:    d.UserID,
		Amount:    d.Amount,
		Status:    string(d.Status),
	}
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/internal/sweeper"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// IdempotencyHeader carries the client's retry key for bid placement
const IdempotencyHeader = "Idempotency-Key"

//go:generate mockgen -source=bidding_handler.go -destination=mock_bidding_handler.go -package=handler

type BiddingServiceInterface interface {
	PlaceBid(ctx context.Context, req bidding.PlaceBidRequest) (bidding.PlaceBidResult, error)
	CreateDeposit(ctx context.Context, auctionID, userID string, amount int64) (model.Deposit, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetLeaderBid(ctx context.Context, auctionID string) (model.Bid, error)
}

type SweeperInterface interface {
	Sweep(ctx context.Context) (sweeper.Report, error)
	Tick(ctx context.Context, auctionID string) (sweeper.TickStatus, error)
}

type BiddingHandler struct {
	service BiddingServiceInterface
	sweeper SweeperInterface
}

func NewBiddingHandler(service BiddingServiceInterface, sweeper SweeperInterface) *BiddingHandler {
	return &BiddingHandler{service: service, sweeper: sweeper}
}

// PlaceBidHandler handles POST /auctions/:auction_id/bids
func (h *BiddingHandler) PlaceBidHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	userID, _ := helpers.CurrentUser(c)

	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "PlaceBidHandler", err)
		return
	}

	result, err := h.service.PlaceBid(c.Request.Context(), bidding.PlaceBidRequest{
		AuctionID:      auctionID,
		BidderID:       userID,
		Amount:         req.Amount,
		SourceIP:       c.ClientIP(),
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		status, message := helpers.MapErrorToHTTP(err)
		utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
		utils.Error("PlaceBidHandler: failed to place bid", map[string]any{
			"handler":    "PlaceBidHandler",
			"auction_id": auctionID,
			"user_id":    userID,
			"amount":     req.Amount,
			"error":      err.Error(),
		})
		return
	}

	resp := helpers.PlaceBidResponse{
		Bid:          helpers.NewBidResponse(result.Bid),
		Extended:     result.Extended,
		EndAt:        result.EndAt.UTC().Format(time.RFC3339Nano),
		CurrentPrice: result.CurrentPrice,
		Replayed:     result.Replayed,
	}

	status := lo.Ternary(result.Replayed, http.StatusOK, http.StatusCreated)
	utils.JSONResponse(c, status, resp, "bid placed successfully")
	helpers.LogSuccess("PlaceBidHandler", "bid placed successfully", map[string]any{
		"bid_id":     result.Bid.ID,
		"auction_id": auctionID,
		"user_id":    userID,
		"amount":     result.Bid.Amount,
		"extended":   result.Extended,
		"replayed":   result.Replayed,
	})
}

// CreateDepositHandler handles POST /auctions/:auction_id/deposits
func (h *BiddingHandler) CreateDepositHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	userID, _ := helpers.CurrentUser(c)

	var req helpers.CreateDepositRequest
	// an empty body asks for the policy default
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		helpers.HandleBindError(c, "CreateDepositHandler", err)
		return
	}

	deposit, err := h.service.CreateDeposit(c.Request.Context(), auctionID, userID, req.Amount)
	if err != nil {
		status, message := helpers.MapErrorToHTTP(err)
		utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
		utils.Error("CreateDepositHandler: failed to hold deposit", map[string]any{
			"handler":    "CreateDepositHandler",
			"auction_id": auctionID,
			"user_id":    userID,
			"error":      err.Error(),
		})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewDepositResponse(deposit), "deposit held successfully")
	helpers.LogSuccess("CreateDepositHandler", "deposit held successfully", map[string]any{
		"deposit_id": deposit.ID,
		"auction_id": auctionID,
		"user_id":    userID,
		"amount":     deposit.Amount,
	})
}

// GetBidsByAuctionHandler handles GET /auctions/:auction_id/bids
func (h *BiddingHandler) GetBidsByAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bids, err := h.service.ListBids(c.Request.Context(), auctionID)
	if err != nil {
		status, message := helpers.MapErrorToHTTP(err)
		utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
		utils.Warn("GetBidsByAuctionHandler: error retrieving bids", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	resp := lo.Map(bids, func(b model.Bid, _ int) helpers.BidResponse { return helpers.NewBidResponse(b) })

	utils.JSONResponse(c, http.StatusOK, resp, "bids retrieved successfully")
	helpers.LogSuccess("GetBidsByAuctionHandler", "bids retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(resp),
	})
}

// GetLeaderBidHandler handles GET /auctions/:auction_id/leader
func (h *BiddingHandler) GetLeaderBidHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bid, err := h.service.GetLeaderBid(c.Request.Context(), auctionID)
	if err != nil {
		status, message := helpers.MapErrorToHTTP(err)
		if errors.Is(err, biddingerrors.ErrNoBids) {
			utils.JSONError(c, status, err, message)
			utils.Info("GetLeaderBidHandler: no leading bid", map[string]any{"auction_id": auctionID})
			return
		}
		utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
		utils.Warn("GetLeaderBidHandler: leader bid error", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponse(bid), "leading bid retrieved successfully")
	helpers.LogSuccess("GetLeaderBidHandler", "leading bid retrieved successfully", map[string]any{
		"bid_id":     bid.ID,
		"auction_id": auctionID,
		"user_id":    bid.BidderID,
		"amount":     bid.Amount,
	})
}

// SweepHandler handles POST /sweep
func (h *BiddingHandler) SweepHandler(c *gin.Context) {
	report, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		status, message := helpers.MapErrorToHTTP(err)
		utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
		utils.Error("SweepHandler: sweep failed", map[string]any{"error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, report, "sweep completed")
	helpers.LogSuccess("SweepHandler", "sweep completed", map[string]any{
		"processed_count": report.ProcessedCount,
		"results":         len(report.Results),
	})
}

// TickHandler handles POST /auctions/:auction_id/tick
func (h *BiddingHandler) TickHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	tick, err := h.sweeper.Tick(c.Request.Context(), auctionID)
	if err != nil {
		status, message := helpers.MapErrorToHTTP(err)
		utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
		utils.Warn("TickHandler: tick failed", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, tick, "auction status retrieved")
}

package server

import (
	"net/http"

	handler "auction-engine/services/bidding/handler"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

// RouterConfig is what SetupRouter wires together
type RouterConfig struct {
	Service   handler.BiddingServiceInterface
	Sweeper   handler.SweeperInterface
	JWTSecret []byte
	// Limiter throttles bid submission; nil disables throttling
	Limiter Limiter
}

// SetupRouter configures all Gin routes for the application
func SetupRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging

	biddingHandler := handler.NewBiddingHandler(cfg.Service, cfg.Sweeper)
	auth := AuthMiddleware(cfg.JWTSecret)

	router.GET("/healthz", func(c *gin.Context) {
		utils.JSONResponse(c, http.StatusOK, nil, "ok")
	})

	auctions := router.Group("/auctions/:auction_id")
	{
		bidChain := []gin.HandlerFunc{auth}
		if cfg.Limiter != nil {
			bidChain = append(bidChain, RateLimitMiddleware(cfg.Limiter))
		}
		auctions.POST("/bids", append(bidChain, biddingHandler.PlaceBidHandler)...)
		auctions.POST("/deposits", auth, biddingHandler.CreateDepositHandler)

		auctions.GET("/bids", biddingHandler.GetBidsByAuctionHandler)
		auctions.GET("/leader", biddingHandler.GetLeaderBidHandler)
		auctions.POST("/tick", biddingHandler.TickHandler)
	}

	router.POST("/sweep", auth, RequireRole(RoleAdmin, RoleScheduler), biddingHandler.SweepHandler)

	return router
}

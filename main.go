package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/clock"
	"auction-engine/internal/config"
	"auction-engine/internal/deposit"
	"auction-engine/internal/events"
	"auction-engine/internal/lease"
	model "auction-engine/internal/models"
	"auction-engine/internal/ratelimit"
	"auction-engine/internal/repository"
	"auction-engine/internal/server"
	"auction-engine/internal/settlement"
	"auction-engine/internal/sweeper"
	"auction-engine/utils"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

func main() {
	cfg, err := ParseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	utils.SetLevel(cfg.LogLevel)

	// single window for every auction; per-auction overrides are not supported
	utils.Info("Anti-sniping window configured", map[string]any{
		"window_minutes": int(cfg.Policy.AntiSnipeWindow / time.Minute),
	})

	clk := clock.System{}

	store, closeStore, err := openStore(cfg, clk)
	if err != nil {
		utils.Fatal("Failed to open store", map[string]any{"error": err.Error()})
	}
	defer closeStore()

	var (
		limiter server.Limiter
		runner  lease.Runner = lease.Local{}
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			utils.Fatal("Failed to connect to Redis", map[string]any{"addr": cfg.Redis.Addr, "error": err.Error()})
		}

		if cfg.RateLimit.Limit > 0 {
			limiter = ratelimit.New(rdb, cfg.Redis.KeyPrefix, cfg.RateLimit.Limit, cfg.RateLimit.Window, clk)
		}
		runner = lease.New(rdb, cfg.Redis.KeyPrefix+cfg.Sweep.LeaseKey, lease.WithExpiry(cfg.Sweep.LeaseExpiry))
		utils.Info("Connected to Redis", map[string]any{"addr": cfg.Redis.Addr})
	} else {
		utils.Warn("No Redis configured: rate limiting is off and every instance sweeps", nil)
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "auction-engine")
		if err != nil {
			utils.Fatal("Failed to connect to NATS", map[string]any{"url": cfg.NATS.URL, "error": err.Error()})
		}
		defer nc.Drain()
		pub = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
		utils.Info("Connected to NATS", map[string]any{"url": cfg.NATS.URL})
	}

	ledger := deposit.NewLedger(store, cfg.Policy, clk, pub)
	biddingSvc := bidding.NewBiddingService(store, ledger, cfg.Policy, bidding.WithClock(clk), bidding.WithPublisher(pub))
	engine := settlement.NewEngine(store, ledger, cfg.Policy, clk, pub)
	sweep := sweeper.New(store, engine, cfg.Policy, clk, cfg.Sweep.BatchSize, sweeper.WithClaimTTL(cfg.Sweep.ClaimTTL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := sweeper.NewScheduler(sweep, runner, cfg.Sweep.Interval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	router := server.SetupRouter(server.RouterConfig{
		Service:   biddingSvc,
		Sweeper:   sweep,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Limiter:   limiter,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		utils.Info("Starting auction server", map[string]any{"addr": cfg.ServerAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Fatal("Server error", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	utils.Info("Shutting down server", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Error("Server forced to shutdown", map[string]any{"error": err.Error()})
	}
}

// openStore picks postgres when a DSN is set and the in-memory store otherwise
func openStore(cfg config.Config, clk clock.Clock) (repository.AuctionStore, func(), error) {
	if cfg.DB.DSN == "" {
		repo := repository.NewMemoryRepo()
		if cfg.Seed {
			seedAuctions(repo, clk.Now(), []byte(cfg.Auth.JWTSecret))
		}
		utils.Warn("No database configured: using the in-memory store", map[string]any{"seeded": cfg.Seed})
		return repo, func() {}, nil
	}

	db, err := repository.OpenPostgres(cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			return nil, nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return repository.NewGormRepo(db, cfg.Policy.StoreTimeout), func() { _ = sqlDB.Close() }, nil
}

// seedAuctions adds demo auctions to the in-memory repo and logs tokens to drive them with
func seedAuctions(repo *repository.MemoryRepo, now time.Time, secret []byte) {
	auctions := []model.Auction{
		{ID: "auction1", SellerID: "seller1", StartPrice: 4_000_000, MinBidStep: 25_000, ReservePrice: lo.ToPtr(int64(4_500_000)), EndAt: now.Add(30 * time.Minute)},
		{ID: "auction2", SellerID: "seller1", StartPrice: 12_500_000, MinBidStep: 100_000, EndAt: now.Add(2 * time.Hour)},
		{ID: "auction3", SellerID: "seller2", StartPrice: 850_000, MinBidStep: 10_000, EndAt: now.Add(5 * time.Minute)},
	}

	for _, a := range auctions {
		a.Status = model.AuctionLive
		a.StartAt = now
		a.CurrentPrice = a.StartPrice
		repo.AddAuction(a)
	}

	for _, u := range []struct{ id, role string }{
		{"user1", server.RoleBidder},
		{"user2", server.RoleBidder},
		{"ops", server.RoleAdmin},
	} {
		token, err := server.IssueToken(secret, u.id, u.role, 24*time.Hour)
		if err != nil {
			utils.Warn("Failed to issue demo token", map[string]any{"user_id": u.id, "error": err.Error()})
			continue
		}
		utils.Info("Demo token", map[string]any{"user_id": u.id, "role": u.role, "token": token})
	}
}

package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/clock"
	"auction-engine/internal/lease"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
	"auction-engine/internal/settlement"
	"auction-engine/utils"

	"github.com/samber/lo"
)

// Result is the per-auction line of a sweep report
type Result struct {
	AuctionID  string              `json:"auction_id"`
	Status     model.AuctionStatus `json:"status"`
	WinnerID   *string             `json:"winner_id"`
	FinalPrice int64               `json:"final_price"`
	ReserveMet bool                `json:"reserve_met"`
	Error      string              `json:"error,omitempty"`
}

// Report summarizes one sweep
type Report struct {
	ProcessedCount int      `json:"processed_count"`
	Results        []Result `json:"results"`
}

// TickStatus is the public view of one auction's clock
type TickStatus struct {
	AuctionID    string              `json:"auction_id"`
	Status       model.AuctionStatus `json:"status"`
	TimeLeft     int64               `json:"time_left"`
	EndAt        time.Time           `json:"end_at"`
	CurrentPrice int64               `json:"current_price"`
	WinnerID     *string             `json:"winner_id,omitempty"`
}

// Sweeper closes auctions whose end has passed. Closing starts with an atomic
// claim (live -> closing) that also takes a time-bound lease on the auction, so
// overlapping sweeps never settle the same auction from two places. A closing
// auction whose lease has lapsed is taken over and resumed.
type Sweeper struct {
	store     repository.AuctionStore
	engine    *settlement.Engine
	policy    policy.Policy
	clock     clock.Clock
	batchSize int
	claimTTL  time.Duration
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithClaimTTL sets how long a claim keeps other sweeps off a closing auction
func WithClaimTTL(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

func New(store repository.AuctionStore, engine *settlement.Engine, p policy.Policy, c clock.Clock, batchSize int, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, engine: engine, policy: p, clock: c, batchSize: batchSize, claimTTL: time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep settles every due auction in one bounded batch. A failure on one auction
// is reported in its result and does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	due, err := s.store.ListDueAuctions(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("sweeper: list due auctions: %w", err)
	}

	report := Report{Results: make([]Result, 0, len(due))}
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, settled := s.close(ctx, a.ID)
		if settled {
			report.ProcessedCount++
		}
		report.Results = append(report.Results, res)
	}

	if len(due) > 0 {
		utils.Info("Sweep finished", map[string]any{
			"due":       len(due),
			"processed": report.ProcessedCount,
		})
	}
	return report, nil
}

// Tick reports an auction's status. Before the end it only reads; once the end
// has passed it runs the same claim-then-settle as Sweep.
func (s *Sweeper) Tick(ctx context.Context, auctionID string) (TickStatus, error) {
	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return TickStatus{}, fmt.Errorf("sweeper: tick: %w", err)
	}

	now := s.clock.Now()
	due := (a.Status == model.AuctionLive && now.After(a.EndAt)) || a.Status == model.AuctionClosing
	if due {
		if res, _ := s.close(ctx, auctionID); res.Error != "" {
			return TickStatus{}, fmt.Errorf("sweeper: tick %s: %s", auctionID, res.Error)
		}
		if a, err = s.store.GetAuction(ctx, auctionID); err != nil {
			return TickStatus{}, fmt.Errorf("sweeper: tick: %w", err)
		}
	}

	timeLeft := int64(0)
	if a.Status == model.AuctionLive && a.EndAt.After(now) {
		timeLeft = int64(a.EndAt.Sub(now) / time.Second)
	}
	return TickStatus{
		AuctionID:    a.ID,
		Status:       a.Status,
		TimeLeft:     timeLeft,
		EndAt:        a.EndAt,
		CurrentPrice: a.CurrentPrice,
		WinnerID:     a.WinnerID,
	}, nil
}

// close claims then settles one auction; settled is true only for the sweep
// that held the claim and finished it
func (s *Sweeper) close(ctx context.Context, auctionID string) (Result, bool) {
	token := utils.GenerateID()
	claimed, status, err := s.claim(ctx, auctionID, token)
	if err != nil {
		utils.Error("Failed to claim auction", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return Result{AuctionID: auctionID, Status: status, Error: err.Error()}, false
	}
	if !claimed {
		return Result{AuctionID: auctionID, Status: status}, false
	}

	out, err := s.engine.Settle(ctx, auctionID)
	if err != nil {
		// stays in closing; dropping the claim lets the next sweep resume it
		utils.Error("Failed to settle auction", map[string]any{"auction_id": auctionID, "error": err.Error()})
		s.unclaim(ctx, auctionID, token)
		return Result{AuctionID: auctionID, Status: model.AuctionClosing, Error: err.Error()}, false
	}
	return Result{
		AuctionID:  out.AuctionID,
		Status:     out.Status,
		WinnerID:   out.WinnerID,
		FinalPrice: out.FinalPrice,
		ReserveMet: out.ReserveMet,
	}, true
}

// claim takes the closing lease on an auction. A due live auction moves to
// closing; a closing auction is taken over only once its lease has lapsed.
// Anything else, including a closing auction leased to another sweep, is left alone.
func (s *Sweeper) claim(ctx context.Context, auctionID, token string) (bool, model.AuctionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()

	var (
		claimed bool
		status  model.AuctionStatus
	)
	err := s.store.WithinAuction(ctx, auctionID, func(tx repository.Tx) error {
		a := tx.Auction()
		status = a.Status
		now := s.clock.Now()
		until := now.Add(s.claimTTL)

		switch a.Status {
		case model.AuctionClosing:
			if a.ClaimUntil != nil && !now.After(*a.ClaimUntil) {
				return nil
			}
			prev := a.ClaimedBy
			a.ClaimedBy, a.ClaimUntil = token, &until
			if err := tx.UpdateAuction(ctx, a); err != nil {
				return err
			}
			claimed = true
			utils.Warn("Resuming closing auction", map[string]any{"auction_id": auctionID, "previous_claim": prev})
			return nil
		case model.AuctionLive:
		default:
			return nil
		}

		// the end may have moved since the auction was listed as due
		if !now.After(a.EndAt) {
			return nil
		}
		a.Status = model.AuctionClosing
		a.ClaimedBy, a.ClaimUntil = token, &until
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		claimed, status = true, model.AuctionClosing
		return tx.AppendAudit(ctx, model.NewAuditLog(utils.GenerateID(), model.EntityAuction, auctionID, auctionID,
			model.AuditAuctionClosing, "", map[string]any{"end_at": a.EndAt, "current_price": a.CurrentPrice}, now))
	})
	if err != nil {
		return false, status, fmt.Errorf("claim auction %s: %w", auctionID, err)
	}
	return claimed, status, nil
}

// unclaim drops a lease this sweep still holds on a closing auction
func (s *Sweeper) unclaim(ctx context.Context, auctionID, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.StoreTimeout)
	defer cancel()

	err := s.store.WithinAuction(ctx, auctionID, func(tx repository.Tx) error {
		a := tx.Auction()
		if a.Status != model.AuctionClosing || a.ClaimedBy != token {
			return nil
		}
		a.ClaimUntil = nil
		return tx.UpdateAuction(ctx, a)
	})
	if err != nil {
		utils.Error("Failed to release auction claim", map[string]any{"auction_id": auctionID, "error": err.Error()})
	}
}

// Scheduler runs Sweep on a fixed interval while this instance holds the sweep lease
type Scheduler struct {
	sweeper  *Sweeper
	lease    lease.Runner
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(sweeper *Sweeper, runner lease.Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		lease:    lo.Ternary[lease.Runner](runner == nil, lease.Local{}, runner),
		interval: interval,
	}
}

// Start launches the loop; calling it twice is a no-op
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for an in-flight sweep to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	ran, err := s.lease.Run(ctx, func(ctx context.Context) error {
		_, err := s.sweeper.Sweep(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		utils.Error("Scheduled sweep failed", map[string]any{"error": err.Error(), "ran": ran})
	}
}

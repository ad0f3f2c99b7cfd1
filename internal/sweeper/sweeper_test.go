package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/clock"
	"auction-engine/internal/deposit"
	"auction-engine/internal/events"
	model "auction-engine/internal/models"
	"auction-engine/internal/policy"
	"auction-engine/internal/repository"
	"auction-engine/internal/settlement"

	"github.com/golang/mock/gomock"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sweeper *Sweeper
	repo    *repository.MemoryRepo
	clock   *clock.Manual
	events  *events.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	repo := repository.NewMemoryRepo()
	p := policy.Default()
	c := clock.NewManual(now)
	rec := &events.Recorder{}
	ledger := deposit.NewLedger(repo, p, c, rec)
	engine := settlement.NewEngine(repo, ledger, p, c, rec)
	return fixture{
		sweeper: New(repo, engine, p, c, 100),
		repo:    repo,
		clock:   c,
		events:  rec,
	}
}

// Helper to seed a live auction with one leading bid backed by a held deposit
func (f fixture) seed(t *testing.T, id string, endAt time.Time, bidder string, amount int64) {
	t.Helper()

	ctx := context.Background()
	f.repo.AddAuction(model.Auction{
		ID:           id,
		Status:       model.AuctionLive,
		SellerID:     "seller1",
		StartAt:      now.Add(-time.Hour),
		EndAt:        endAt,
		StartPrice:   1_000_000,
		CurrentPrice: 1_000_000,
		MinBidStep:   25_000,
	})
	if bidder == "" {
		return
	}
	require.NoError(t, f.repo.WithinAuction(ctx, id, func(tx repository.Tx) error {
		if err := tx.InsertDeposit(ctx, model.Deposit{ID: id + "-dep", UserID: bidder, AuctionID: id, Amount: 100_000, Status: model.DepositHold}); err != nil {
			return err
		}
		if err := tx.InsertBid(ctx, model.Bid{ID: id + "-bid", AuctionID: id, BidderID: bidder, Amount: amount, PlacedAt: now.Add(-time.Minute), Valid: true}); err != nil {
			return err
		}
		a := tx.Auction()
		a.CurrentPrice = amount
		return tx.UpdateAuction(ctx, a)
	}))
}

func TestSweeper_Sweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "ended-with-bid", now.Add(-time.Second), "userA", 1_025_000)
	f.seed(t, "ended-no-bid", now.Add(-time.Minute), "", 0)
	f.seed(t, "ends-now", now, "userB", 1_050_000)
	f.seed(t, "running", now.Add(time.Hour), "userC", 1_050_000)

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.ProcessedCount)
	require.Len(t, report.Results, 2)

	byID := lo.KeyBy(report.Results, func(r Result) string { return r.AuctionID })
	require.Equal(t, "userA", lo.FromPtr(byID["ended-with-bid"].WinnerID))
	require.Equal(t, int64(1_025_000), byID["ended-with-bid"].FinalPrice)
	require.Nil(t, byID["ended-no-bid"].WinnerID)

	for _, id := range []string{"ends-now", "running"} {
		a, err := f.repo.GetAuction(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.AuctionLive, a.Status)
	}

	// a second sweep finds nothing and changes nothing
	again, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, again.ProcessedCount)
	require.Empty(t, again.Results)
	require.Len(t, f.events.Subject(events.SubjectAuctionClosed), 2)
}

func TestSweeper_Sweep_ResumesClosing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "stuck", now.Add(time.Hour), "userA", 1_025_000)
	require.NoError(t, f.repo.WithinAuction(ctx, "stuck", func(tx repository.Tx) error {
		a := tx.Auction()
		a.Status = model.AuctionClosing
		return tx.UpdateAuction(ctx, a)
	}))

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ProcessedCount)

	txn, err := f.repo.GetTransaction(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, "userA", txn.BuyerID)
}

func TestSweeper_Sweep_FailureIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "healthy", now.Add(-time.Second), "userA", 1_025_000)
	f.seed(t, "broken", now.Add(-2*time.Second), "userB", 1_025_000)
	// winner's deposit vanished: settlement must stop and alert
	require.NoError(t, f.repo.WithinAuction(ctx, "broken", func(tx repository.Tx) error {
		d, err := tx.Deposits(ctx)
		if err != nil {
			return err
		}
		d[0].Status = model.DepositReleased
		return tx.UpdateDeposit(ctx, d[0])
	}))

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ProcessedCount)

	byID := lo.KeyBy(report.Results, func(r Result) string { return r.AuctionID })
	require.NotEmpty(t, byID["broken"].Error)
	require.Equal(t, model.AuctionClosing, byID["broken"].Status)
	require.Empty(t, byID["healthy"].Error)
	require.Len(t, f.events.Subject(events.SubjectAlert), 1)

	// the failed sweep let go of its claim so the next one retries at once
	broken, err := f.repo.GetAuction(ctx, "broken")
	require.NoError(t, err)
	require.Nil(t, broken.ClaimUntil)

	again, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, again.Results, 1)
	require.NotEmpty(t, again.Results[0].Error)
	require.Len(t, f.events.Subject(events.SubjectAlert), 2)
}

func TestSweeper_Sweep_ClaimLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "auction1", now.Add(-time.Minute), "userA", 1_025_000)
	until := now.Add(30 * time.Second)
	require.NoError(t, f.repo.WithinAuction(ctx, "auction1", func(tx repository.Tx) error {
		a := tx.Auction()
		a.Status = model.AuctionClosing
		a.ClaimedBy, a.ClaimUntil = "other-sweep", &until
		return tx.UpdateAuction(ctx, a)
	}))

	// another sweep holds the claim: leave it alone
	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.ProcessedCount)
	require.Equal(t, []Result{{AuctionID: "auction1", Status: model.AuctionClosing}}, report.Results)
	_, err = f.repo.GetTransaction(ctx, "auction1")
	require.ErrorIs(t, err, biddingerrors.ErrTransactionNotFound)

	status, err := f.sweeper.Tick(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, model.AuctionClosing, status.Status)

	// the claim runs out at its deadline; after that the auction is taken over
	f.clock.Set(until)
	report, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.ProcessedCount)

	f.clock.Advance(time.Millisecond)
	report, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ProcessedCount)
	require.Equal(t, "userA", lo.FromPtr(report.Results[0].WinnerID))

	a, err := f.repo.GetAuction(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, model.AuctionFinished, a.Status)
	require.NotEqual(t, "other-sweep", a.ClaimedBy)
	require.Len(t, f.events.Subject(events.SubjectAuctionClosed), 1)
}

// concurrency test: overlapping sweeps settle each auction exactly once
func TestSweeper_Sweep_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "auction1", now.Add(-time.Second), "userA", 1_025_000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
		settled   int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := f.sweeper.Sweep(ctx)
			require.NoError(t, err)
			mu.Lock()
			processed += report.ProcessedCount
			settled += len(lo.Filter(report.Results, func(r Result, _ int) bool { return r.WinnerID != nil }))
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, processed)
	require.Equal(t, 1, settled)
	require.Len(t, f.events.Subject(events.SubjectAuctionClosed), 1)

	closing, err := f.repo.GetAuditLog(ctx, model.EntityAuction, "auction1")
	require.NoError(t, err)
	actions := lo.Map(closing, func(e model.AuditLog, _ int) string { return e.Action })
	require.Equal(t, []string{model.AuditAuctionClosing, model.AuditAuctionClosed}, actions)

	depositAudit, err := f.repo.GetAuditLog(ctx, model.EntityDeposit, "auction1-dep")
	require.NoError(t, err)
	require.Len(t, depositAudit, 1)
}

func TestSweeper_Tick(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "auction1", now.Add(90*time.Second), "userA", 1_025_000)

	before, err := f.repo.GetAuction(ctx, "auction1")
	require.NoError(t, err)

	status, err := f.sweeper.Tick(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, model.AuctionLive, status.Status)
	require.Equal(t, int64(90), status.TimeLeft)
	require.Equal(t, int64(1_025_000), status.CurrentPrice)
	require.Nil(t, status.WinnerID)

	after, err := f.repo.GetAuction(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, before, after)

	// exactly at the end is still a read
	f.clock.Set(now.Add(90 * time.Second))
	status, err = f.sweeper.Tick(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, model.AuctionLive, status.Status)
	require.Zero(t, status.TimeLeft)

	f.clock.Advance(time.Second)
	status, err = f.sweeper.Tick(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, model.AuctionFinished, status.Status)
	require.Equal(t, "userA", lo.FromPtr(status.WinnerID))

	// ticking a finished auction is a read
	status, err = f.sweeper.Tick(ctx, "auction1")
	require.NoError(t, err)
	require.Equal(t, model.AuctionFinished, status.Status)
	require.Len(t, f.events.Subject(events.SubjectAuctionClosed), 1)

	_, err = f.sweeper.Tick(ctx, "missing")
	require.ErrorIs(t, err, biddingerrors.ErrAuctionNotFound)
}

func TestSweeper_Claim_RechecksEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// listed as due, but a late bid extended it before the claim took the lock
	extended := model.Auction{ID: "auction1", Status: model.AuctionLive, EndAt: now.Add(10 * time.Minute)}

	mockStore := repository.NewMockAuctionStore(ctrl)
	mockTx := repository.NewMockTx(ctrl)
	mockStore.EXPECT().ListDueAuctions(gomock.Any(), now, 100).
		Return([]model.Auction{{ID: "auction1", Status: model.AuctionLive, EndAt: now.Add(-time.Second)}}, nil)
	mockStore.EXPECT().WithinAuction(gomock.Any(), "auction1", gomock.Any()).
		DoAndReturn(func(ctx context.Context, id string, fn func(repository.Tx) error) error {
			return fn(mockTx)
		})
	mockTx.EXPECT().Auction().Return(extended)

	s := New(mockStore, nil, policy.Default(), clock.NewManual(now), 100)
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.ProcessedCount)
	require.Equal(t, model.AuctionLive, report.Results[0].Status)
	require.Empty(t, report.Results[0].Error)
}

type skippingRunner struct{ calls int }

func (r *skippingRunner) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	r.calls++
	return false, nil
}

func TestScheduler(t *testing.T) {
	t.Run("sweeps_on_interval", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		ctx := context.Background()
		f := newFixture(t)
		f.seed(t, "auction1", now.Add(-time.Second), "userA", 1_025_000)

		s := NewScheduler(f.sweeper, nil, 10*time.Millisecond)
		s.Start(ctx)
		s.Start(ctx)

		require.Eventually(t, func() bool {
			a, err := f.repo.GetAuction(ctx, "auction1")
			return err == nil && a.Status == model.AuctionFinished
		}, 2*time.Second, 10*time.Millisecond)

		s.Stop()
		s.Stop()
	})

	t.Run("lease_held_elsewhere", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		ctx := context.Background()
		f := newFixture(t)
		f.seed(t, "auction1", now.Add(-time.Second), "userA", 1_025_000)

		runner := &skippingRunner{}
		s := NewScheduler(f.sweeper, runner, 5*time.Millisecond)
		s.Start(ctx)
		time.Sleep(50 * time.Millisecond)
		s.Stop()

		require.Positive(t, runner.calls)
		a, err := f.repo.GetAuction(ctx, "auction1")
		require.NoError(t, err)
		require.Equal(t, model.AuctionLive, a.Status)
	})
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
)

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionStore.
// Each auction has a one-slot semaphore so atomic units on the same auction
// serialize, and waiting for it honours the caller's context deadline.
type MemoryRepo struct {
	mu           sync.RWMutex
	auctions     map[string]model.Auction     // key: auctionID
	bids         map[string][]model.Bid       // key: auctionID -> bids in insertion order
	deposits     map[string][]model.Deposit   // key: auctionID
	transactions map[string]model.Transaction // key: auctionID
	audit        []model.AuditLog

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		auctions:     make(map[string]model.Auction),
		bids:         make(map[string][]model.Bid),
		deposits:     make(map[string][]model.Deposit),
		transactions: make(map[string]model.Transaction),
		locks:        make(map[string]chan struct{}),
	}
}

// AddAuction adds or replaces an auction. Listing creation is owned elsewhere;
// this is the seeding entry point for dev mode and tests.
func (r *MemoryRepo) AddAuction(auction model.Auction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auctions[auction.ID] = auction
}

func (r *MemoryRepo) acquire(ctx context.Context, auctionID string) (func(), error) {
	r.locksMu.Lock()
	sem, ok := r.locks[auctionID]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[auctionID] = sem
	}
	r.locksMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock auction %s: %w: %w", auctionID, biddingerrors.ErrConcurrencyConflict, ctx.Err())
	}
}

// WithinAuction runs fn under the auction's lock and commits its staged writes only if fn succeeds
func (r *MemoryRepo) WithinAuction(ctx context.Context, auctionID string, fn func(tx Tx) error) error {
	release, err := r.acquire(ctx, auctionID)
	if err != nil {
		return err
	}
	defer release()

	r.mu.RLock()
	auction, ok := r.auctions[auctionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("within auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}

	tx := &memoryTx{repo: r, auction: auction}
	if err := fn(tx); err != nil {
		return err
	}
	// a unit that overran its deadline aborts like a database transaction would
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit auction %s: %w: %w", auctionID, biddingerrors.ErrUpstreamUnavailable, err)
	}
	r.commit(tx)
	return nil
}

func (r *MemoryRepo) commit(tx *memoryTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tx.auction.ID
	if tx.auctionDirty {
		r.auctions[id] = tx.auction
	}
	if tx.bidsDirty {
		r.bids[id] = tx.bids
	}
	if tx.depositsDirty {
		r.deposits[id] = tx.deposits
	}
	if tx.txn != nil {
		r.transactions[id] = *tx.txn
	}
	r.audit = append(r.audit, tx.audit...)
}

// GetAuction returns the committed state of an auction
func (r *MemoryRepo) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auction, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return auction, nil
}

// ListDueAuctions returns auctions ready for the sweeper, oldest end first
func (r *MemoryRepo) ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]model.Auction, 0)
	for _, a := range r.auctions {
		if (a.Status == model.AuctionLive && a.EndAt.Before(now)) || a.Status == model.AuctionClosing {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].EndAt.Equal(due[j].EndAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].EndAt.Before(due[j].EndAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GetBidsByAuction returns all bids for an auction in placement order
func (r *MemoryRepo) GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return append([]model.Bid(nil), r.bids[auctionID]...), nil
}

// GetDepositsByAuction returns every deposit ever made on an auction
func (r *MemoryRepo) GetDepositsByAuction(ctx context.Context, auctionID string) ([]model.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("get deposits for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return append([]model.Deposit(nil), r.deposits[auctionID]...), nil
}

// GetTransaction returns the post-sale transaction of an auction
func (r *MemoryRepo) GetTransaction(ctx context.Context, auctionID string) (model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	txn, ok := r.transactions[auctionID]
	if !ok {
		return model.Transaction{}, fmt.Errorf("get transaction for auction %s: %w", auctionID, biddingerrors.ErrTransactionNotFound)
	}
	return txn, nil
}

// GetAuditLog returns the entries recorded for one entity, oldest first
func (r *MemoryRepo) GetAuditLog(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]model.AuditLog, 0)
	for _, e := range r.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// memoryTx stages writes against a private copy; nothing is visible until commit
type memoryTx struct {
	repo *MemoryRepo

	auction      model.Auction
	auctionDirty bool

	bids       []model.Bid
	bidsLoaded bool
	bidsDirty  bool

	deposits       []model.Deposit
	depositsLoaded bool
	depositsDirty  bool

	txn   *model.Transaction
	audit []model.AuditLog
}

func (t *memoryTx) Auction() model.Auction {
	return t.auction
}

func (t *memoryTx) UpdateAuction(ctx context.Context, auction model.Auction) error {
	if err := checkAuctionUpdate(t.auction, auction); err != nil {
		return err
	}
	auction.Version = t.auction.Version + 1
	t.auction = auction
	t.auctionDirty = true
	return nil
}

func (t *memoryTx) loadBids() {
	if t.bidsLoaded {
		return
	}
	t.repo.mu.RLock()
	t.bids = append([]model.Bid(nil), t.repo.bids[t.auction.ID]...)
	t.repo.mu.RUnlock()
	t.bidsLoaded = true
}

func (t *memoryTx) Bids(ctx context.Context) ([]model.Bid, error) {
	t.loadBids()
	return append([]model.Bid(nil), t.bids...), nil
}

func (t *memoryTx) FindBidByIdempotencyKey(ctx context.Context, bidderID, key string) (model.Bid, bool, error) {
	if key == "" {
		return model.Bid{}, false, nil
	}
	t.loadBids()
	for _, b := range t.bids {
		if b.BidderID == bidderID && b.IdempotencyKey == key {
			return b, true, nil
		}
	}
	return model.Bid{}, false, nil
}

func (t *memoryTx) InsertBid(ctx context.Context, bid model.Bid) error {
	if bid.AuctionID != t.auction.ID {
		return fmt.Errorf("insert bid %s: auction %s outside unit %s: %w", bid.ID, bid.AuctionID, t.auction.ID, biddingerrors.ErrIntegrityViolation)
	}
	if _, dup, _ := t.FindBidByIdempotencyKey(ctx, bid.BidderID, bid.IdempotencyKey); dup {
		return fmt.Errorf("insert bid %s: %w", bid.ID, biddingerrors.ErrDuplicate)
	}
	t.loadBids()
	t.bids = append(t.bids, bid)
	t.bidsDirty = true
	return nil
}

func (t *memoryTx) loadDeposits() {
	if t.depositsLoaded {
		return
	}
	t.repo.mu.RLock()
	t.deposits = append([]model.Deposit(nil), t.repo.deposits[t.auction.ID]...)
	t.repo.mu.RUnlock()
	t.depositsLoaded = true
}

func (t *memoryTx) Deposits(ctx context.Context) ([]model.Deposit, error) {
	t.loadDeposits()
	return append([]model.Deposit(nil), t.deposits...), nil
}

func (t *memoryTx) InsertDeposit(ctx context.Context, deposit model.Deposit) error {
	if deposit.AuctionID != t.auction.ID {
		return fmt.Errorf("insert deposit %s: auction %s outside unit %s: %w", deposit.ID, deposit.AuctionID, t.auction.ID, biddingerrors.ErrIntegrityViolation)
	}
	t.loadDeposits()
	for _, d := range t.deposits {
		if d.UserID == deposit.UserID && d.Status == model.DepositHold && deposit.Status == model.DepositHold {
			return fmt.Errorf("insert deposit %s: user %s already holds %s: %w", deposit.ID, d.UserID, d.ID, biddingerrors.ErrDuplicate)
		}
	}
	t.deposits = append(t.deposits, deposit)
	t.depositsDirty = true
	return nil
}

func (t *memoryTx) UpdateDeposit(ctx context.Context, deposit model.Deposit) error {
	t.loadDeposits()
	for i, d := range t.deposits {
		if d.ID != deposit.ID {
			continue
		}
		if err := checkDepositUpdate(d, deposit); err != nil {
			return err
		}
		t.deposits[i] = deposit
		t.depositsDirty = true
		return nil
	}
	return fmt.Errorf("update deposit %s: %w", deposit.ID, biddingerrors.ErrDepositNotFound)
}

func (t *memoryTx) FindTransaction(ctx context.Context) (model.Transaction, bool, error) {
	if t.txn != nil {
		return *t.txn, true, nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	txn, ok := t.repo.transactions[t.auction.ID]
	return txn, ok, nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn model.Transaction) error {
	if _, exists, _ := t.FindTransaction(ctx); exists {
		return fmt.Errorf("insert transaction for auction %s: %w", t.auction.ID, biddingerrors.ErrDuplicate)
	}
	if txn.AuctionID != t.auction.ID {
		return fmt.Errorf("insert transaction %s: auction %s outside unit %s: %w", txn.ID, txn.AuctionID, t.auction.ID, biddingerrors.ErrIntegrityViolation)
	}
	t.txn = &txn
	return nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, entry model.AuditLog) error {
	t.audit = append(t.audit, entry)
	return nil
}

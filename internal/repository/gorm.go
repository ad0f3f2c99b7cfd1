package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// postgres SQLSTATE codes that mean "somebody else holds the row, try later"
const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
)

// OpenPostgres connects to postgres through gorm with driver errors translated
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the engine's tables and the indexes backing its invariants
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Auction{},
		&model.Bid{},
		&model.Deposit{},
		&model.Transaction{},
		&model.AuditLog{},
	); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

// GormRepo is the postgres-backed AuctionStore. WithinAuction opens a database
// transaction and takes the auction row with SELECT ... FOR UPDATE, so every
// unit on one auction serializes on that row lock.
type GormRepo struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewGormRepo wraps db. lockTimeout bounds how long a unit waits for the row lock; zero leaves the server default.
func NewGormRepo(db *gorm.DB, lockTimeout time.Duration) *GormRepo {
	return &GormRepo{db: db, lockTimeout: lockTimeout}
}

func (r *GormRepo) WithinAuction(ctx context.Context, auctionID string, fn func(tx Tx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if r.lockTimeout > 0 {
			if err := db.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())).Error; err != nil {
				return err
			}
		}

		var auction model.Auction
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auctionID).
			First(&auction).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return biddingerrors.ErrAuctionNotFound
		}
		if err != nil {
			return err
		}
		return fn(&gormTx{db: db, auction: auction})
	})
	if err != nil {
		return fmt.Errorf("within auction %s: %w", auctionID, classify(err))
	}
	return nil
}

// classify maps driver failures onto error kinds. Errors already carrying a kind pass through.
func classify(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", biddingerrors.ErrDuplicate, err)
	case errors.As(err, &pgErr) && (pgErr.Code == pgLockNotAvailable || pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure):
		return fmt.Errorf("%w: %w", biddingerrors.ErrConcurrencyConflict, err)
	case errors.Is(err, biddingerrors.ErrConcurrencyConflict), errors.Is(err, biddingerrors.ErrUpstreamUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), pgconn.Timeout(err):
		return fmt.Errorf("%w: %w", biddingerrors.ErrUpstreamUnavailable, err)
	}
	return err
}

func (r *GormRepo) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	var auction model.Auction
	err := r.db.WithContext(ctx).Where("id = ?", auctionID).First(&auction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, classify(err))
	}
	return auction, nil
}

func (r *GormRepo) ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]model.Auction, error) {
	if limit <= 0 {
		limit = -1
	}
	var due []model.Auction
	err := r.db.WithContext(ctx).
		Where("(status = ? AND end_at < ?) OR status = ?", model.AuctionLive, now, model.AuctionClosing).
		Order("end_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", classify(err))
	}
	return due, nil
}

func (r *GormRepo) GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := r.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	var bids []model.Bid
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("placed_at ASC, id ASC").
		Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, classify(err))
	}
	return bids, nil
}

func (r *GormRepo) GetDepositsByAuction(ctx context.Context, auctionID string) ([]model.Deposit, error) {
	if _, err := r.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	var deposits []model.Deposit
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("created_at ASC, id ASC").
		Find(&deposits).Error
	if err != nil {
		return nil, fmt.Errorf("get deposits for auction %s: %w", auctionID, classify(err))
	}
	return deposits, nil
}

func (r *GormRepo) GetTransaction(ctx context.Context, auctionID string) (model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("auction_id = ?", auctionID).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Transaction{}, fmt.Errorf("get transaction for auction %s: %w", auctionID, biddingerrors.ErrTransactionNotFound)
	}
	if err != nil {
		return model.Transaction{}, fmt.Errorf("get transaction for auction %s: %w", auctionID, classify(err))
	}
	return txn, nil
}

func (r *GormRepo) GetAuditLog(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error) {
	var entries []model.AuditLog
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("get audit log for %s %s: %w", entityType, entityID, classify(err))
	}
	return entries, nil
}

// gormTx runs every statement inside the transaction that holds the auction row lock
type gormTx struct {
	db      *gorm.DB
	auction model.Auction
}

func (t *gormTx) Auction() model.Auction {
	return t.auction
}

func (t *gormTx) UpdateAuction(ctx context.Context, auction model.Auction) error {
	if err := checkAuctionUpdate(t.auction, auction); err != nil {
		return err
	}
	auction.Version = t.auction.Version + 1

	result := t.db.Model(&model.Auction{}).
		Where("id = ? AND version = ?", auction.ID, t.auction.Version).
		Updates(map[string]any{
			"status":        auction.Status,
			"end_at":        auction.EndAt,
			"current_price": auction.CurrentPrice,
			"winner_id":     auction.WinnerID,
			"reserve_met":   auction.ReserveMet,
			"closed_at":     auction.ClosedAt,
			"claimed_by":    auction.ClaimedBy,
			"claim_until":   auction.ClaimUntil,
			"version":       auction.Version,
		})
	if result.Error != nil {
		return fmt.Errorf("update auction %s: %w", auction.ID, classify(result.Error))
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("update auction %s: version %d moved: %w", auction.ID, t.auction.Version, biddingerrors.ErrConcurrencyConflict)
	}
	t.auction = auction
	return nil
}

func (t *gormTx) Bids(ctx context.Context) ([]model.Bid, error) {
	var bids []model.Bid
	err := t.db.Where("auction_id = ?", t.auction.ID).Order("placed_at ASC, id ASC").Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", classify(err))
	}
	return bids, nil
}

func (t *gormTx) FindBidByIdempotencyKey(ctx context.Context, bidderID, key string) (model.Bid, bool, error) {
	if key == "" {
		return model.Bid{}, false, nil
	}
	var bid model.Bid
	err := t.db.Where("auction_id = ? AND bidder_id = ? AND idempotency_key = ?", t.auction.ID, bidderID, key).First(&bid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Bid{}, false, nil
	}
	if err != nil {
		return model.Bid{}, false, fmt.Errorf("find bid by idempotency key: %w", classify(err))
	}
	return bid, true, nil
}

func (t *gormTx) InsertBid(ctx context.Context, bid model.Bid) error {
	if bid.AuctionID != t.auction.ID {
		return fmt.Errorf("insert bid %s: auction %s outside unit %s: %w", bid.ID, bid.AuctionID, t.auction.ID, biddingerrors.ErrIntegrityViolation)
	}
	if err := t.db.Create(&bid).Error; err != nil {
		return fmt.Errorf("insert bid %s: %w", bid.ID, classify(err))
	}
	return nil
}

func (t *gormTx) Deposits(ctx context.Context) ([]model.Deposit, error) {
	var deposits []model.Deposit
	err := t.db.Where("auction_id = ?", t.auction.ID).Order("created_at ASC, id ASC").Find(&deposits).Error
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", classify(err))
	}
	return deposits, nil
}

func (t *gormTx) InsertDeposit(ctx context.Context, deposit model.Deposit) error {
	if deposit.AuctionID != t.auction.ID {
		return fmt.Errorf("insert deposit %s: auction %s outside unit %s: %w", deposit.ID, deposit.AuctionID, t.auction.ID, biddingerrors.ErrIntegrityViolation)
	}
	if err := t.db.Create(&deposit).Error; err != nil {
		return fmt.Errorf("insert deposit %s: %w", deposit.ID, classify(err))
	}
	return nil
}

func (t *gormTx) UpdateDeposit(ctx context.Context, deposit model.Deposit) error {
	var prev model.Deposit
	err := t.db.Where("id = ? AND auction_id = ?", deposit.ID, t.auction.ID).First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("update deposit %s: %w", deposit.ID, biddingerrors.ErrDepositNotFound)
	}
	if err != nil {
		return fmt.Errorf("update deposit %s: %w", deposit.ID, classify(err))
	}
	if err := checkDepositUpdate(prev, deposit); err != nil {
		return err
	}
	err = t.db.Model(&model.Deposit{}).
		Where("id = ?", deposit.ID).
		Updates(map[string]any{"status": deposit.Status, "updated_at": deposit.UpdatedAt}).Error
	if err != nil {
		return fmt.Errorf("update deposit %s: %w", deposit.ID, classify(err))
	}
	return nil
}

func (t *gormTx) FindTransaction(ctx context.Context) (model.Transaction, bool, error) {
	var txn model.Transaction
	err := t.db.Where("auction_id = ?", t.auction.ID).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, fmt.Errorf("find transaction: %w", classify(err))
	}
	return txn, true, nil
}

func (t *gormTx) InsertTransaction(ctx context.Context, txn model.Transaction) error {
	if txn.AuctionID != t.auction.ID {
		return fmt.Errorf("insert transaction %s: auction %s outside unit %s: %w", txn.ID, txn.AuctionID, t.auction.ID, biddingerrors.ErrIntegrityViolation)
	}
	if err := t.db.Create(&txn).Error; err != nil {
		return fmt.Errorf("insert transaction for auction %s: %w", t.auction.ID, classify(err))
	}
	return nil
}

func (t *gormTx) AppendAudit(ctx context.Context, entry model.AuditLog) error {
	if entry.Details == "" {
		entry.Details = "{}"
	}
	if err := t.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("append audit %s: %w", entry.ID, classify(err))
	}
	return nil
}

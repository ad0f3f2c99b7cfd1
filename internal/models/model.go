package models

import (
	"encoding/json"
	"time"
)

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	AuctionDraft     AuctionStatus = "draft"
	AuctionPending   AuctionStatus = "pending"
	AuctionLive      AuctionStatus = "live"
	AuctionClosing   AuctionStatus = "closing"
	AuctionFinished  AuctionStatus = "finished"
	AuctionCancelled AuctionStatus = "cancelled"
)

var statusRank = map[AuctionStatus]int{
	AuctionDraft:     0,
	AuctionPending:   1,
	AuctionLive:      2,
	AuctionClosing:   3,
	AuctionFinished:  4,
	AuctionCancelled: 4,
}

// CanTransition reports whether moving from s to next keeps the lifecycle forward-only.
// Terminal states never move again.
func (s AuctionStatus) CanTransition(next AuctionStatus) bool {
	if s == AuctionFinished || s == AuctionCancelled {
		return false
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Auction holds the bidding-relevant fields of a vehicle listing.
// ReserveMet is nil until settled; false after settlement also covers an auction
// with no bids. ClaimedBy and ClaimUntil hold the closing lease of the sweep
// settling it.
type Auction struct {
	ID           string        `json:"id" gorm:"type:varchar(64);primaryKey"`
	Status       AuctionStatus `json:"status" gorm:"type:varchar(16);not null;index:idx_auctions_status_end_at,priority:1"`
	SellerID     string        `json:"seller_id" gorm:"type:varchar(64);not null"`
	StartAt      time.Time     `json:"start_at" gorm:"type:timestamp with time zone;not null"`
	EndAt        time.Time     `json:"end_at" gorm:"type:timestamp with time zone;not null;index:idx_auctions_status_end_at,priority:2"`
	StartPrice   int64         `json:"start_price" gorm:"not null"`
	CurrentPrice int64         `json:"current_price" gorm:"not null"`
	MinBidStep   int64         `json:"min_bid_step" gorm:"not null"`
	ReservePrice *int64        `json:"reserve_price,omitempty"`
	WinnerID     *string       `json:"winner_id,omitempty" gorm:"type:varchar(64)"`
	ReserveMet   *bool         `json:"reserve_met,omitempty"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty" gorm:"type:timestamp with time zone"`
	ClaimedBy    string        `json:"claimed_by,omitempty" gorm:"type:varchar(64)"`
	ClaimUntil   *time.Time    `json:"claim_until,omitempty" gorm:"type:timestamp with time zone"`
	Version      int64         `json:"version" gorm:"not null;default:0"`
}

func (Auction) TableName() string {
	return "auctions"
}

// Bid represents a user's bid on an auction
type Bid struct {
	ID             string    `json:"bid_id" gorm:"type:varchar(64);primaryKey"`
	AuctionID      string    `json:"auction_id" gorm:"type:varchar(64);not null;index;uniqueIndex:idx_bids_idempotency,where:idempotency_key <> ''"`
	BidderID       string    `json:"bidder_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_bids_idempotency,where:idempotency_key <> ''"`
	Amount         int64     `json:"amount" gorm:"not null"`
	PlacedAt       time.Time `json:"placed_at" gorm:"type:timestamp with time zone;not null"`
	Valid          bool      `json:"valid" gorm:"not null;default:true"`
	SourceIP       string    `json:"source_ip,omitempty" gorm:"type:varchar(64)"`
	IdempotencyKey string    `json:"-" gorm:"type:varchar(128);not null;default:'';uniqueIndex:idx_bids_idempotency,where:idempotency_key <> ''"`
}

func (Bid) TableName() string {
	return "bids"
}

// Outranks reports whether b sorts ahead of other under (amount desc, placedAt asc)
func (b Bid) Outranks(other Bid) bool {
	if b.Amount != other.Amount {
		return b.Amount > other.Amount
	}
	return b.PlacedAt.Before(other.PlacedAt)
}

// LeaderBid returns the highest-amount, earliest-placed valid bid
func LeaderBid(bids []Bid) (Bid, bool) {
	var (
		leader Bid
		found  bool
	)
	for _, b := range bids {
		if !b.Valid {
			continue
		}
		if !found || b.Outranks(leader) {
			leader = b
			found = true
		}
	}
	return leader, found
}

// DepositStatus is the state of a deposit hold
type DepositStatus string

const (
	DepositHold     DepositStatus = "hold"
	DepositReleased DepositStatus = "released"
	DepositCaptured DepositStatus = "captured"
)

// Deposit is a refundable pre-authorization a buyer holds before bidding
type Deposit struct {
	ID        string        `json:"deposit_id" gorm:"type:varchar(64);primaryKey"`
	UserID    string        `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_deposits_active_hold,where:status = 'hold'"`
	AuctionID string        `json:"auction_id" gorm:"type:varchar(64);not null;index;uniqueIndex:idx_deposits_active_hold,where:status = 'hold'"`
	Amount    int64         `json:"amount" gorm:"not null"`
	Status    DepositStatus `json:"status" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time     `json:"created_at" gorm:"type:timestamp with time zone;not null"`
	UpdatedAt time.Time     `json:"updated_at" gorm:"type:timestamp with time zone;not null"`
}

func (Deposit) TableName() string {
	return "deposits"
}

// TransactionStatus is the state of a post-sale transaction
type TransactionStatus string

const (
	TransactionInitiated TransactionStatus = "initiated"
)

// Transaction is the buyer/seller record created once per sold auction
type Transaction struct {
	ID            string            `json:"transaction_id" gorm:"type:varchar(64);primaryKey"`
	AuctionID     string            `json:"auction_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	BuyerID       string            `json:"buyer_id" gorm:"type:varchar(64);not null"`
	SellerID      string            `json:"seller_id" gorm:"type:varchar(64);not null"`
	VehicleAmount int64             `json:"vehicle_amount" gorm:"not null"`
	FeeAmount     int64             `json:"fee_amount" gorm:"not null"`
	Status        TransactionStatus `json:"status" gorm:"type:varchar(16);not null"`
	CreatedAt     time.Time         `json:"created_at" gorm:"type:timestamp with time zone;not null"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Audit actions
const (
	AuditBidPlaced          = "bid_placed"
	AuditDepositHeld        = "deposit_held"
	AuditDepositReleased    = "deposit_released"
	AuditDepositCaptured    = "deposit_captured"
	AuditAuctionClosing     = "auction_closing"
	AuditAuctionClosed      = "auction_closed"
	AuditTransactionCreated = "transaction_created"
)

// Audit entity types
const (
	EntityAuction     = "auction"
	EntityBid         = "bid"
	EntityDeposit     = "deposit"
	EntityTransaction = "transaction"
)

// AuditLog is an immutable record of a state-changing action
type AuditLog struct {
	ID         string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	EntityType string    `json:"entity_type" gorm:"type:varchar(32);not null;index:idx_audit_entity,priority:1"`
	EntityID   string    `json:"entity_id" gorm:"type:varchar(64);not null;index:idx_audit_entity,priority:2"`
	AuctionID  string    `json:"auction_id" gorm:"type:varchar(64);not null;index"`
	Action     string    `json:"action" gorm:"type:varchar(32);not null"`
	ActorID    string    `json:"actor_id,omitempty" gorm:"type:varchar(64)"`
	Details    string    `json:"details" gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time `json:"created_at" gorm:"type:timestamp with time zone;not null;index:idx_audit_entity,priority:3"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog builds an audit entry; details are stored as a JSON object
func NewAuditLog(id, entityType, entityID, auctionID, action, actorID string, details map[string]any, at time.Time) AuditLog {
	encoded := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			encoded = string(b)
		}
	}
	return AuditLog{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		AuctionID:  auctionID,
		Action:     action,
		ActorID:    actorID,
		Details:    encoded,
		CreatedAt:  at,
	}
}

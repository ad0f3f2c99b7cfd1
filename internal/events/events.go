package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/utils"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
)

// Subjects the engine publishes on. Delivery to users is owned by the notification service.
const (
	SubjectBidPlaced     = "auction.bid.placed"
	SubjectAuctionClosed = "auction.closed"
	SubjectAlert         = "ops.alerts"
)

// BidPlaced is emitted after a bid commits
type BidPlaced struct {
	AuctionID    string    `msgpack:"auction_id"`
	BidID        string    `msgpack:"bid_id"`
	BidderID     string    `msgpack:"bidder_id"`
	Amount       int64     `msgpack:"amount"`
	PlacedAt     time.Time `msgpack:"placed_at"`
	EndAt        time.Time `msgpack:"end_at"`
	Extended     bool      `msgpack:"extended"`
	PreviousLead string    `msgpack:"previous_lead,omitempty"`
}

// AuctionClosed is emitted once an auction reaches finished
type AuctionClosed struct {
	AuctionID     string    `msgpack:"auction_id"`
	WinnerID      string    `msgpack:"winner_id,omitempty"`
	FinalPrice    int64     `msgpack:"final_price"`
	ReserveMet    bool      `msgpack:"reserve_met"`
	TransactionID string    `msgpack:"transaction_id,omitempty"`
	ClosedAt      time.Time `msgpack:"closed_at"`
}

// Alert is an operator-facing integrity problem
type Alert struct {
	Component string    `msgpack:"component"`
	AuctionID string    `msgpack:"auction_id"`
	UserID    string    `msgpack:"user_id,omitempty"`
	Message   string    `msgpack:"message"`
	At        time.Time `msgpack:"at"`
}

// Publisher sends domain events to downstream collaborators
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher encodes events with msgpack and publishes them on NATS
type NATSPublisher struct {
	conn   Conn
	prefix string
}

// NewNATSPublisher publishes on "<prefix>.<subject>", or on the bare subject when prefix is empty
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Connect dials NATS with reconnects enabled
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats %s: %w", url, err)
	}
	return conn, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", subject, err)
	}
	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// Published is one event captured by a Recorder
type Published struct {
	Subject string
	Event   any
}

// Recorder keeps published events in memory for tests
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(ctx context.Context, subject string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Subject: subject, Event: event})
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Subject returns the recorded events published on subject
func (r *Recorder) Subject(subject string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Subject == subject {
			out = append(out, e.Event)
		}
	}
	return out
}

// Notify publishes best effort: a failure is logged and never reaches the caller,
// whose state change has already committed. A cancelled caller does not stop it.
func Notify(ctx context.Context, pub Publisher, subject string, event any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), subject, event); err != nil {
		utils.Warn("Event publish failed", map[string]any{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

// RaiseAlert logs an integrity problem for operators and forwards it on the alert subject
func RaiseAlert(ctx context.Context, pub Publisher, alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	utils.Alert(alert.Message, map[string]any{
		"component":  alert.Component,
		"auction_id": alert.AuctionID,
		"user_id":    alert.UserID,
	})
	Notify(ctx, pub, SubjectAlert, alert)
}

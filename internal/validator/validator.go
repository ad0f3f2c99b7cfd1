package validator

import (
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
)

// Input is everything the validator needs. Auction must be the snapshot read
// inside the same atomic unit that will apply the bid.
type Input struct {
	Auction     models.Auction
	Amount      int64
	DepositHeld bool
	Now         time.Time
}

// Decision is the outcome of validating one candidate bid
type Decision struct {
	Accept bool
	// Reason is set when Accept is false
	Reason *biddingerrors.Reason
	// NewEndAt is the auction end after the bid is applied
	NewEndAt time.Time
	Extended bool
}

// Validate runs the ordered admission checks and computes any anti-sniping extension
func Validate(in Input, antiSnipeWindow time.Duration) Decision {
	a := in.Auction

	if a.Status != models.AuctionLive {
		return reject(biddingerrors.ErrAuctionNotActive)
	}
	if in.Now.Before(a.StartAt) {
		return reject(biddingerrors.ErrAuctionNotActive)
	}
	if in.Now.After(a.EndAt) {
		return reject(biddingerrors.ErrAuctionEnded)
	}
	if !in.DepositHeld {
		return reject(biddingerrors.ErrDepositRequired)
	}
	if a.MinBidStep <= 0 {
		// a zero step would admit any amount and divide by zero below
		return reject(biddingerrors.ErrInvalidIncrement)
	}
	if in.Amount < a.CurrentPrice+a.MinBidStep {
		return reject(biddingerrors.ErrBidTooLow)
	}
	if in.Amount%a.MinBidStep != 0 {
		return reject(biddingerrors.ErrInvalidIncrement)
	}

	newEndAt, extended := ExtendEnd(a.EndAt, in.Now, antiSnipeWindow)
	return Decision{
		Accept:   true,
		NewEndAt: newEndAt,
		Extended: extended,
	}
}

// ExtendEnd applies the anti-sniping rule: a bid landing less than window before
// endAt moves the end to now+window. The result is never earlier than endAt.
func ExtendEnd(endAt, now time.Time, window time.Duration) (time.Time, bool) {
	if window <= 0 || endAt.Sub(now) >= window {
		return endAt, false
	}
	candidate := now.Add(window)
	if !candidate.After(endAt) {
		return endAt, false
	}
	return candidate, true
}

func reject(reason *biddingerrors.Reason) Decision {
	return Decision{Accept: false, Reason: reason}
}

package biddingerrors

import "errors"

// Error kinds. Every error returned by the engine wraps exactly one of these.
var (
	ErrValidation          = errors.New("validation error")
	ErrStateConflict       = errors.New("state conflict")
	ErrAuthorization       = errors.New("authorization error")
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRateLimited         = errors.New("rate limited")

	// ErrTryAgain is surfaced once bounded retries of a transient failure are exhausted
	ErrTryAgain = errors.New("temporarily unavailable, try again")
)

// Reason is a rejection with a stable code that callers can act on
type Reason struct {
	Code    string
	Message string
	Kind    error
}

func (r *Reason) Error() string {
	return r.Message
}

// Unwrap exposes the kind so errors.Is(err, ErrValidation) works on reasons
func (r *Reason) Unwrap() error {
	return r.Kind
}

func newReason(code, message string, kind error) *Reason {
	return &Reason{Code: code, Message: message, Kind: kind}
}

// Repository-level errors
var (
	ErrAuctionNotFound = newReason("AUCTION_NOT_FOUND", "auction not found", ErrNotFound)
	ErrNoBids          = newReason("NO_BIDS", "no bids found for auction", ErrNotFound)
	ErrDepositNotFound = newReason("DEPOSIT_NOT_FOUND", "deposit not found", ErrNotFound)

	ErrTransactionNotFound = newReason("TRANSACTION_NOT_FOUND", "transaction not found", ErrNotFound)
	ErrDuplicate           = newReason("DUPLICATE", "record already exists", ErrStateConflict)
)

// Bid rejection reasons, in the order the validator checks them
var (
	ErrAuctionNotActive = newReason("AUCTION_NOT_ACTIVE", "auction is not accepting bids", ErrStateConflict)
	ErrAuctionEnded     = newReason("AUCTION_ENDED", "auction has ended", ErrStateConflict)
	ErrDepositRequired  = newReason("DEPOSIT_REQUIRED", "a held deposit is required to bid", ErrAuthorization)
	ErrBidTooLow        = newReason("BID_TOO_LOW", "bid amount too low", ErrValidation)
	ErrInvalidIncrement = newReason("INVALID_INCREMENT", "bid amount is not a multiple of the bid step", ErrValidation)
)

// business logic errors
var (
	ErrInvalidBid      = newReason("INVALID_BID", "invalid bid", ErrValidation)
	ErrInvalidDeposit  = newReason("INVALID_DEPOSIT", "invalid deposit", ErrValidation)
	ErrDepositTooLow   = newReason("DEPOSIT_TOO_LOW", "deposit amount below policy minimum", ErrValidation)
	ErrSellerCannotBid = newReason("SELLER_CANNOT_BID", "seller cannot take part in their own auction", ErrAuthorization)
	ErrForbidden       = newReason("FORBIDDEN", "role not allowed", ErrAuthorization)
	ErrDepositMissing  = newReason("DEPOSIT_MISSING", "no held deposit to capture", ErrIntegrityViolation)
	ErrNotClosing      = newReason("AUCTION_NOT_CLOSING", "auction has not been claimed for closing", ErrStateConflict)
)

// Code returns the stable reason code carried by err, or "" if none
func Code(err error) string {
	var r *Reason
	if errors.As(err, &r) {
		return r.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrUpstreamUnavailable)
}

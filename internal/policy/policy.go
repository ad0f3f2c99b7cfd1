package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DepositMode selects how the default deposit amount is derived
type DepositMode string

const (
	DepositFixed   DepositMode = "fixed"
	DepositPercent DepositMode = "percent"
)

// DepositPolicy is either a fixed amount or a percentage of the start price
type DepositPolicy struct {
	Mode  DepositMode
	Value decimal.Decimal
}

// Policy is the typed bidding and settlement configuration. It is loaded once at
// startup and passed to the validator, ledger and settlement engine.
type Policy struct {
	// MinBidStep is used for auctions created without their own step
	MinBidStep      int64
	AntiSnipeWindow time.Duration
	Deposit         DepositPolicy

	BuyerFixedFee        int64
	SellerFeeRatePercent decimal.Decimal

	// StoreTimeout bounds a single atomic unit, lock wait included
	StoreTimeout time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Default returns the policy used when nothing is configured
func Default() Policy {
	return Policy{
		MinBidStep:      25_000,
		AntiSnipeWindow: 10 * time.Minute,
		Deposit: DepositPolicy{
			Mode:  DepositFixed,
			Value: decimal.NewFromInt(100_000),
		},
		BuyerFixedFee:        0,
		SellerFeeRatePercent: decimal.Zero,
		StoreTimeout:         3 * time.Second,
		MaxAttempts:          3,
		RetryBackoff:         50 * time.Millisecond,
	}
}

// Validate checks the policy is internally consistent
func (p Policy) Validate() error {
	var errs []error
	if p.MinBidStep <= 0 {
		errs = append(errs, fmt.Errorf("min bid step must be positive, got %d", p.MinBidStep))
	}
	if p.AntiSnipeWindow < 0 {
		errs = append(errs, fmt.Errorf("anti-snipe window must not be negative, got %s", p.AntiSnipeWindow))
	}
	switch p.Deposit.Mode {
	case DepositFixed, DepositPercent:
	default:
		errs = append(errs, fmt.Errorf("unknown deposit mode %q", p.Deposit.Mode))
	}
	if p.Deposit.Value.IsNegative() {
		errs = append(errs, fmt.Errorf("deposit value must not be negative, got %s", p.Deposit.Value))
	}
	if p.Deposit.Mode == DepositPercent && p.Deposit.Value.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("deposit percent must be at most 100, got %s", p.Deposit.Value))
	}
	if p.BuyerFixedFee < 0 {
		errs = append(errs, fmt.Errorf("buyer fixed fee must not be negative, got %d", p.BuyerFixedFee))
	}
	if p.SellerFeeRatePercent.IsNegative() || p.SellerFeeRatePercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("seller fee rate must be within [0, 100], got %s", p.SellerFeeRatePercent))
	}
	if p.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store timeout must be positive, got %s", p.StoreTimeout))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	return errors.Join(errs...)
}

var hundred = decimal.NewFromInt(100)

// DepositAmount is the default deposit for an auction with the given start price
func (p Policy) DepositAmount(startPrice int64) int64 {
	if p.Deposit.Mode == DepositPercent {
		return decimal.NewFromInt(startPrice).Mul(p.Deposit.Value).Div(hundred).Floor().IntPart()
	}
	return p.Deposit.Value.Floor().IntPart()
}

// Fee is buyerFixedFee + floor(vehicleAmount * sellerFeeRatePercent / 100)
func (p Policy) Fee(vehicleAmount int64) int64 {
	sellerPart := decimal.NewFromInt(vehicleAmount).Mul(p.SellerFeeRatePercent).Div(hundred).Floor().IntPart()
	return p.BuyerFixedFee + sellerPart
}

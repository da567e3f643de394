// Package fees computes the merchant/platform commission split.
//
// There is exactly one fee schedule in the whole service; both the
// settlement path and the dashboard stats consume it, so the displayed
// rate can never drift from the charged rate.
package fees

import (
	"math/big"

	"github.com/profullstack/coinpayportal/internal/money"
)

// Tier is a merchant subscription tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Schedule holds the platform commission rates in basis points.
type Schedule struct {
	FreeBps int64 // commission for free-tier merchants
	PaidBps int64 // commission for paid-tier merchants
}

// Default is the production fee schedule: 1.0% free, 0.5% paid.
var Default = Schedule{FreeBps: 100, PaidBps: 50}

// Split is the commission breakdown for one settlement.
type Split struct {
	MerchantAmount *big.Int `json:"-"`
	PlatformFee    *big.Int `json:"-"`
	Merchant       string   `json:"merchantAmount"`
	Platform       string   `json:"platformFee"`
	FeePercentage  float64  `json:"feePercentage"`
	Tier           Tier     `json:"tier"`
}

// SplitTieredPayment divides a minor-unit amount between merchant and
// platform. The platform fee rounds down; the merchant receives the
// complement, so MerchantAmount + PlatformFee == amount always holds.
func (s Schedule) SplitTieredPayment(amount *big.Int, tier Tier) Split {
	bps := s.FreeBps
	if tier == TierPaid {
		bps = s.PaidBps
	}

	fee := money.MulBps(amount, bps)
	merchant := new(big.Int).Sub(amount, fee)

	return Split{
		MerchantAmount: merchant,
		PlatformFee:    fee,
		Merchant:       money.Format(merchant),
		Platform:       money.Format(fee),
		FeePercentage:  float64(bps) / 10000,
		Tier:           tier,
	}
}

// Rate returns the commission rate for a tier as a fraction (0.01 = 1%).
func (s Schedule) Rate(tier Tier) float64 {
	if tier == TierPaid {
		return float64(s.PaidBps) / 10000
	}
	return float64(s.FreeBps) / 10000
}

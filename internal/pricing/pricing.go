// Package pricing derives order prices and position sizes from a resolved
// reference price. All outputs are rounded to cents before they reach a
// ticket; the venue rejects sub-penny prices on most instruments.
package pricing

import (
	"fmt"
	"math"

	"github.com/hfujimori/covercall/internal/broker"
)

// StopSide says which direction the stop protects. A long position stops
// below the reference, a short position stops above it.
type StopSide int

const (
	// StopBelow places the stop under the reference (protecting a long).
	StopBelow StopSide = iota
	// StopAbove places the stop over the reference (protecting a short).
	StopAbove
)

func (s StopSide) String() string {
	if s == StopAbove {
		return "above"
	}
	return "below"
}

// Params are the pricing knobs for one order.
type Params struct {
	// SlippageBps pads the limit past the reference, in basis points.
	SlippageBps float64
	// StopPct is the stop distance as a fraction of the reference.
	StopPct float64
	// StopSide decides whether the stop sits below or above the reference.
	StopSide StopSide
	// TakeProfitPct, when positive, adds a take-profit above the reference.
	TakeProfitPct float64
}

// Prices are the derived order prices. TakeProfit is meaningful only when
// HasTakeProfit is set.
type Prices struct {
	Limit         float64
	Stop          float64
	TakeProfit    float64
	HasTakeProfit bool
}

// Round2 rounds to cents, half away from zero.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Derive computes order prices from a reference price.
func Derive(ref float64, p Params) (Prices, error) {
	if !broker.IsUsablePrice(ref) {
		return Prices{}, fmt.Errorf("invalid reference price: %v", ref)
	}
	if p.SlippageBps < 0 {
		return Prices{}, fmt.Errorf("negative slippage: %.2f bps", p.SlippageBps)
	}
	if p.StopPct < 0 || p.StopPct >= 1 {
		return Prices{}, fmt.Errorf("stop percent out of range: %.4f", p.StopPct)
	}

	prices := Prices{
		Limit: Round2(ref * (1 + p.SlippageBps/10000)),
	}
	switch p.StopSide {
	case StopAbove:
		prices.Stop = Round2(ref * (1 + p.StopPct))
	default:
		prices.Stop = Round2(ref * (1 - p.StopPct))
	}
	if p.TakeProfitPct > 0 {
		prices.TakeProfit = Round2(ref * (1 + p.TakeProfitPct))
		prices.HasTakeProfit = true
	}
	return prices, nil
}

// SizeShares returns the whole number of shares a cash budget buys at the
// reference price. A budget too small for a single share is an error, not a
// zero-quantity order.
func SizeShares(budget, ref float64) (int, error) {
	if !broker.IsUsablePrice(ref) {
		return 0, fmt.Errorf("invalid reference price: %v", ref)
	}
	if budget <= 0 {
		return 0, fmt.Errorf("invalid budget: %.2f", budget)
	}
	shares := int(math.Floor(budget / ref))
	if shares < 1 {
		return 0, fmt.Errorf("budget %.2f buys no shares at %.2f", budget, ref)
	}
	return shares, nil
}

// SizeContracts converts a share count to covered option contracts. A lot
// covers 100 shares; positions under one lot yield zero contracts.
func SizeContracts(shares int) int {
	if shares < 0 {
		return 0
	}
	return shares / 100
}

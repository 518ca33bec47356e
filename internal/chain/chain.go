// Package chain selects option contracts: which expiry, which strike, and
// the qualification dance that turns the selection into a tradable conid.
// Venue chains are ragged: weekly symbols miss strikes, monthlies list on
// different exchanges, and holiday weeks move Friday expiries. Selection
// therefore starts from an ideal target and widens until something listed
// qualifies.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/hfujimori/covercall/internal/broker"
)

// ErrContractUnresolved means no listed contract qualified across the whole
// widening grid.
var ErrContractUnresolved = errors.New("no listed contract qualified")

// ErrEmptyLadder means strike selection ran against an empty ladder.
var ErrEmptyLadder = errors.New("empty strike ladder")

// StrikeMode decides how a target price maps onto the ladder.
type StrikeMode int

const (
	// StrikeNearest picks the ladder strike closest to the target,
	// preferring the lower strike on an exact tie.
	StrikeNearest StrikeMode = iota
	// StrikeCeil picks the lowest ladder strike at or above the target.
	// Covered calls use this so the short strike never sits below spot.
	StrikeCeil
)

func (m StrikeMode) String() string {
	if m == StrikeCeil {
		return "ceil"
	}
	return "nearest"
}

// NearestStrike returns the ladder strike closest to target. Ties go to the
// lower strike.
func NearestStrike(ladder []float64, target float64) (float64, error) {
	if len(ladder) == 0 {
		return 0, ErrEmptyLadder
	}
	best := ladder[0]
	bestDist := math.Abs(ladder[0] - target)
	for _, s := range ladder[1:] {
		d := math.Abs(s - target)
		if d < bestDist || (d == bestDist && s < best) {
			best = s
			bestDist = d
		}
	}
	return best, nil
}

// CeilStrike returns the lowest ladder strike at or above target.
func CeilStrike(ladder []float64, target float64) (float64, error) {
	if len(ladder) == 0 {
		return 0, ErrEmptyLadder
	}
	sorted := append([]float64(nil), ladder...)
	sort.Float64s(sorted)
	i := sort.SearchFloat64s(sorted, target)
	if i == len(sorted) {
		return 0, fmt.Errorf("no strike at or above %.2f (ladder tops out at %.2f)", target, sorted[len(sorted)-1])
	}
	return sorted[i], nil
}

// PickStrike applies a StrikeMode to the ladder.
func PickStrike(ladder []float64, target float64, mode StrikeMode) (float64, error) {
	if mode == StrikeCeil {
		return CeilStrike(ladder, target)
	}
	return NearestStrike(ladder, target)
}

// SyntheticLadder builds a half-point ladder around center, width strikes on
// each side, for when the venue chain endpoint returns nothing usable.
func SyntheticLadder(center float64, width int) []float64 {
	const inc = 0.5
	base := math.Round(center/inc) * inc
	ladder := make([]float64, 0, 2*width+1)
	for i := -width; i <= width; i++ {
		s := base + float64(i)*inc
		if s > 0 {
			ladder = append(ladder, s)
		}
	}
	return ladder
}

// ExpiryPolicy bounds expiry selection.
type ExpiryPolicy struct {
	// MinDTE and MaxDTE bound days-to-expiry, inclusive.
	MinDTE int
	MaxDTE int
	// PreferFriday picks a Friday expiry inside the window when one exists.
	PreferFriday bool
}

const expiryLayout = "20060102"

// SelectExpiry picks an expiry from the sorted YYYYMMDD list. Within the DTE
// window Fridays win when preferred; otherwise the earliest in-window expiry
// is taken. A window that admits nothing degrades to the future expiry
// closest to it rather than failing the run.
func SelectExpiry(expirations []string, now time.Time, policy ExpiryPolicy) (string, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var fallback, nearest string
	nearestDist := 0
	for _, exp := range expirations {
		d, err := time.ParseInLocation(expiryLayout, exp, now.Location())
		if err != nil {
			continue
		}
		dte := int(d.Sub(today).Hours() / 24)
		if dte < 0 {
			continue
		}
		if dte < policy.MinDTE || dte > policy.MaxDTE {
			dist := policy.MinDTE - dte
			if dte > policy.MaxDTE {
				dist = dte - policy.MaxDTE
			}
			if nearest == "" || dist < nearestDist {
				nearest, nearestDist = exp, dist
			}
			continue
		}
		if !policy.PreferFriday {
			return exp, nil
		}
		if d.Weekday() == time.Friday {
			return exp, nil
		}
		if fallback == "" {
			fallback = exp
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	if nearest != "" {
		return nearest, nil
	}
	return "", fmt.Errorf("no future expiry around %d-%d DTE", policy.MinDTE, policy.MaxDTE)
}

// NextFriday returns the next Friday strictly after now, formatted YYYYMMDD.
func NextFriday(now time.Time) string {
	d := now.AddDate(0, 0, 1)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d.Format(expiryLayout)
}

// SyntheticExpiries lists upcoming Friday dates spanning the policy's DTE
// window, for when the venue chain endpoint returns nothing usable. The list
// runs one week past MaxDTE so a window that straddles two Fridays still has
// a candidate on each side.
func SyntheticExpiries(now time.Time, policy ExpiryPolicy) []string {
	horizon := policy.MaxDTE + 7
	if horizon < 14 {
		horizon = 14
	}
	out := make([]string, 0, horizon/7+1)
	for i := 1; i <= horizon; i++ {
		d := now.AddDate(0, 0, i)
		if d.Weekday() == time.Friday {
			out = append(out, d.Format(expiryLayout))
		}
	}
	return out
}

// Selection is a fully resolved contract choice.
type Selection struct {
	Spec   broker.OptionSpec
	Expiry string
	Strike float64
	// Widened reports that the first-choice expiry/strike did not qualify
	// and a grid neighbor was used instead.
	Widened bool
}

// Selector picks and qualifies option contracts through a venue client.
type Selector struct {
	client broker.Client
	logger *log.Logger
	// altExchanges are tried, in order, after the default routing fails.
	altExchanges []string
}

// NewSelector creates a Selector. logger may be nil.
func NewSelector(client broker.Client, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	return &Selector{
		client:       client,
		logger:       logger,
		altExchanges: []string{"SMART", "CBOE"},
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Request describes the contract the caller wants.
type Request struct {
	Underlying broker.Contract
	Right      broker.Right
	Target     float64 // strike target, usually the resolved reference price
	Mode       StrikeMode
	Policy     ExpiryPolicy
	Now        time.Time
}

// Pick selects an expiry and strike for the request and qualifies the result
// against the venue, widening around the first choice when it is not listed.
func (s *Selector) Pick(ctx context.Context, req Request) (*Selection, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	chain, err := s.client.GetOptionChain(ctx, req.Underlying.ConID)
	if err != nil {
		s.logger.Printf("Chain lookup failed for %s, using synthetic ladder: %v", req.Underlying.Symbol, err)
		chain = &broker.OptionChain{
			Expirations: SyntheticExpiries(now, req.Policy),
			Strikes:     SyntheticLadder(req.Target, 10),
		}
	}

	expiry, err := SelectExpiry(chain.Expirations, now, req.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContractUnresolved, req.Underlying.Symbol, err)
	}
	strike, err := PickStrike(chain.Strikes, req.Target, req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContractUnresolved, req.Underlying.Symbol, err)
	}

	s.logger.Printf("Picked %s %s %.2f%s (mode=%s target=%.2f)",
		req.Underlying.Symbol, expiry, strike, req.Right, req.Mode, req.Target)

	sel, err := s.qualifyWidening(ctx, req, chain, expiry, strike)
	if err != nil {
		return nil, err
	}
	return sel, nil
}

// qualifyWidening tries the first-choice contract, then walks a grid of
// neighbors: shifted expiries (same ladder week by week), nudged strikes,
// and alternate exchanges.
func (s *Selector) qualifyWidening(ctx context.Context, req Request, chain *broker.OptionChain, expiry string, strike float64) (*Selection, error) {
	expiries := neighborExpiries(chain.Expirations, expiry, 3)
	offsets := []float64{0, -0.5, 0.5, -1.0, 1.0}
	exchanges := append([]string{""}, s.altExchanges...)

	first := true
	for _, exp := range expiries {
		for _, off := range offsets {
			k := strike + off
			if k <= 0 {
				continue
			}
			for _, exch := range exchanges {
				spec := broker.OptionSpec{
					Underlying:   req.Underlying.Symbol,
					Expiry:       exp,
					Strike:       k,
					Right:        req.Right,
					Exchange:     exch,
					TradingClass: chain.TradingClass,
					Currency:     req.Underlying.Currency,
				}
				qualified, err := s.client.QualifyOption(ctx, spec)
				if err == nil {
					sel := &Selection{Spec: qualified, Expiry: exp, Strike: k, Widened: !first}
					if sel.Widened {
						s.logger.Printf("Qualified after widening: %s %s %.2f%s exch=%q",
							req.Underlying.Symbol, exp, k, req.Right, exch)
					}
					return sel, nil
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, err
				}
				if !errors.Is(err, broker.ErrContractNotFound) {
					return nil, err
				}
				first = false
			}
		}
	}
	return nil, fmt.Errorf("%w: %s %s %.2f%s", ErrContractUnresolved,
		req.Underlying.Symbol, expiry, strike, req.Right)
}

// neighborExpiries returns expiry plus up to weeks listed expirations on
// each side of it, nearest first. Expirations are sorted YYYYMMDD, so string
// order is date order.
func neighborExpiries(expirations []string, expiry string, weeks int) []string {
	var earlier, later []string
	for _, exp := range expirations {
		switch {
		case exp < expiry:
			earlier = append(earlier, exp)
		case exp > expiry:
			later = append(later, exp)
		}
	}
	out := []string{expiry}
	for i := 0; i < weeks; i++ {
		if i < len(later) {
			out = append(out, later[i])
		}
		if j := len(earlier) - 1 - i; j >= 0 {
			out = append(out, earlier[j])
		}
	}
	return out
}

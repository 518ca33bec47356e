// Package quote turns raw gateway snapshots into a single trustworthy
// reference price. Snapshots routinely come back partial, stale, or full of
// sentinel values, so resolution walks a chain of price sources across
// several market data levels before giving up.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hfujimori/covercall/internal/broker"
)

// ErrPriceUnavailable means every source in the chain, at every level, and
// the historical fallback all failed to produce a usable price.
var ErrPriceUnavailable = errors.New("no usable price from any source")

// Source extracts one candidate price from a snapshot. Pick returns ok false
// when the snapshot does not carry a usable value for this source.
type Source struct {
	Name string
	Pick func(q *broker.Quote) (price float64, ok bool)
}

// Price sources in order of trust. Trades beat quotes, quotes beat closes,
// and the gateway mark is a last resort since its derivation is opaque.
var (
	LastTrade = Source{Name: "last", Pick: func(q *broker.Quote) (float64, bool) {
		return q.Last, broker.IsUsablePrice(q.Last)
	}}
	BidAskMid = Source{Name: "mid", Pick: func(q *broker.Quote) (float64, bool) {
		return broker.MidPrice(q.Bid, q.Ask)
	}}
	PrevClose = Source{Name: "prev_close", Pick: func(q *broker.Quote) (float64, bool) {
		return q.PrevClose, broker.IsUsablePrice(q.PrevClose)
	}}
	MarkPrice = Source{Name: "mark", Pick: func(q *broker.Quote) (float64, bool) {
		return q.Mark, broker.IsUsablePrice(q.Mark)
	}}
)

// DefaultChain is the source precedence used for order pricing.
var DefaultChain = []Source{LastTrade, BidAskMid, PrevClose, MarkPrice}

// premiumImprove shades the mid toward the buyer so a resting sell limit
// sits inside the spread instead of on it.
const premiumImprove = 0.01

// Premium sources for quoting option premium. Options trade thin, so the
// quote is trusted over the last print.
var (
	AskPrice = Source{Name: "ask", Pick: func(q *broker.Quote) (float64, bool) {
		return q.Ask, broker.IsUsablePrice(q.Ask)
	}}
	ImprovedMid = Source{Name: "improved_mid", Pick: func(q *broker.Quote) (float64, bool) {
		mid, ok := broker.MidPrice(q.Bid, q.Ask)
		if !ok {
			return 0, false
		}
		px := mid - premiumImprove
		if broker.IsUsablePrice(q.Bid) && px < q.Bid {
			px = q.Bid
		}
		return px, broker.IsUsablePrice(px)
	}}
	BidPrice = Source{Name: "bid", Pick: func(q *broker.Quote) (float64, bool) {
		return q.Bid, broker.IsUsablePrice(q.Bid)
	}}
)

// PremiumChain is the source precedence for option premiums. A two-sided
// quote yields the shaded mid; one-sided quotes fall back to whichever side
// exists before trusting the last print.
var PremiumChain = []Source{ImprovedMid, AskPrice, BidPrice, LastTrade}

// FirstUsable applies sources in order and returns the first hit.
func FirstUsable(q *broker.Quote, chain []Source) (float64, Source, bool) {
	for _, src := range chain {
		if price, ok := src.Pick(q); ok {
			return price, src, true
		}
	}
	return 0, Source{}, false
}

// Resolved is the outcome of a successful resolution.
type Resolved struct {
	Price  float64
	Level  broker.MarketDataLevel
	Origin string // which source produced the price
}

// Resolver resolves reference prices through a venue client.
type Resolver struct {
	client broker.Client
	logger *log.Logger
	chain  []Source
	levels []broker.MarketDataLevel
	// watchWait bounds how long a single level is given to populate.
	watchWait time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithChain overrides the source precedence.
func WithChain(chain []Source) Option {
	return func(r *Resolver) { r.chain = chain }
}

// WithLevels overrides the market data level order.
func WithLevels(levels []broker.MarketDataLevel) Option {
	return func(r *Resolver) { r.levels = levels }
}

// WithWatchWait overrides the per-level quote wait.
func WithWatchWait(wait time.Duration) Option {
	return func(r *Resolver) { r.watchWait = wait }
}

// NewResolver creates a Resolver with the default chain and level order.
// logger may be nil to discard diagnostics.
func NewResolver(client broker.Client, logger *log.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	r := &Resolver{
		client:    client,
		logger:    logger,
		chain:     DefaultChain,
		levels:    broker.DefaultLevelOrder,
		watchWait: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Resolve walks the level order and source chain for conID. Each level's
// subscription is always released before the next level is tried, whether or
// not it produced data.
func (r *Resolver) Resolve(ctx context.Context, conID int64) (*Resolved, error) {
	for _, level := range r.levels {
		q, err := r.client.WatchQuote(ctx, conID, level, r.watchWait)
		if cancelErr := r.client.CancelQuote(ctx, conID); cancelErr != nil {
			r.logger.Printf("Failed to release quote subscription for conid %d: %v", conID, cancelErr)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			r.logger.Printf("Quote at level %s failed for conid %d: %v", level, conID, err)
			continue
		}
		if price, src, ok := FirstUsable(q, r.chain); ok {
			r.logger.Printf("Resolved conid %d at %.4f (level=%s source=%s)", conID, price, level, src.Name)
			return &Resolved{Price: price, Level: level, Origin: src.Name}, nil
		}
		r.logger.Printf("No usable field at level %s for conid %d", level, conID)
	}

	// Live fields exhausted; fall back to the latest daily close.
	price, err := r.historicalClose(ctx, conID)
	if err == nil {
		r.logger.Printf("Resolved conid %d at %.4f from historical close", conID, price)
		return &Resolved{Price: price, Origin: "historical_close"}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	r.logger.Printf("Historical close fallback failed for conid %d: %v", conID, err)

	return nil, fmt.Errorf("%w: conid %d", ErrPriceUnavailable, conID)
}

// historicalClose fetches the most recent regular-hours daily close.
func (r *Resolver) historicalClose(ctx context.Context, conID int64) (float64, error) {
	bars, err := r.client.HistoricalBars(ctx, conID, "1d", "1d", true)
	if err != nil {
		return 0, err
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if broker.IsUsablePrice(bars[i].Close) {
			return bars[i].Close, nil
		}
	}
	return 0, fmt.Errorf("no usable close in %d bars", len(bars))
}

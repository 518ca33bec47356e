// Package engine runs the trading operations end to end: resolve the
// instrument, price it, select a contract, build the bracket, submit, and
// record the outcome. Each operation is a single pass; scheduling and
// retries live elsewhere.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hfujimori/covercall/internal/broker"
	"github.com/hfujimori/covercall/internal/catalog"
	"github.com/hfujimori/covercall/internal/chain"
	"github.com/hfujimori/covercall/internal/config"
	"github.com/hfujimori/covercall/internal/orders"
	"github.com/hfujimori/covercall/internal/pricing"
	"github.com/hfujimori/covercall/internal/quote"
	"github.com/hfujimori/covercall/internal/retry"
	"github.com/hfujimori/covercall/internal/storage"
)

// Engine wires the pipeline pieces together. Read-side venue calls go
// through the retrier; order placement does not, a resubmitted parent could
// double-fill.
type Engine struct {
	client   broker.Client
	catalog  *catalog.Catalog
	resolver *quote.Resolver
	premium  *quote.Resolver
	selector *chain.Selector
	orders   *orders.Manager
	store    storage.Interface
	retrier  *retry.Client
	logger   *log.Logger
	account  string
}

// New creates an Engine. logger may be nil.
func New(
	client broker.Client,
	cat *catalog.Catalog,
	resolver *quote.Resolver,
	selector *chain.Selector,
	om *orders.Manager,
	store storage.Interface,
	logger *log.Logger,
	account string,
) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	return &Engine{
		client:   client,
		catalog:  cat,
		resolver: resolver,
		premium:  quote.NewResolver(client, logger, quote.WithChain(quote.PremiumChain)),
		selector: selector,
		orders:   om,
		store:    store,
		retrier:  retry.NewClient(logger),
		logger:   logger,
		account:  account,
	}
}

// resolvePrice resolves a reference price with retries; a transient gateway
// hiccup should not scrub the whole run.
func (e *Engine) resolvePrice(ctx context.Context, conID int64) (*quote.Resolved, error) {
	var resolved *quote.Resolved
	err := e.retrier.Do(ctx, fmt.Sprintf("resolve price for conid %d", conID), func(opCtx context.Context) error {
		var err error
		resolved, err = e.resolver.Resolve(opCtx, conID)
		return err
	})
	return resolved, err
}

// referencePrice resolves the underlying reference, honoring a manual
// override so rehearsal runs never need live market data.
func (e *Engine) referencePrice(ctx context.Context, inst config.InstrumentConfig, conID int64) (*quote.Resolved, error) {
	if inst.OverridePx > 0 {
		e.logger.Printf("Using override price %.2f for %s", inst.OverridePx, inst.Name)
		return &quote.Resolved{Price: inst.OverridePx, Origin: "override"}, nil
	}
	return e.resolvePrice(ctx, conID)
}

// resolvePremium is resolvePrice over the premium source chain, which trusts
// the option quote over the last print.
func (e *Engine) resolvePremium(ctx context.Context, conID int64) (*quote.Resolved, error) {
	var resolved *quote.Resolved
	err := e.retrier.Do(ctx, fmt.Sprintf("resolve premium for conid %d", conID), func(opCtx context.Context) error {
		var err error
		resolved, err = e.premium.Resolve(opCtx, conID)
		return err
	})
	return resolved, err
}

// Outcome reports what an operation did. A skip is a successful no-op with
// the reason spelled out.
type Outcome struct {
	Skipped bool
	Reason  string
	Trade   *storage.TradeRecord
}

func strikeMode(s string) chain.StrikeMode {
	if s == "ceil" {
		return chain.StrikeCeil
	}
	return chain.StrikeNearest
}

func entryOrderType(s string) string {
	if s == "market" {
		return "MKT"
	}
	return "LMT"
}

func expiryPolicy(inst config.InstrumentConfig) chain.ExpiryPolicy {
	return chain.ExpiryPolicy{
		MinDTE:       inst.MinDTE,
		MaxDTE:       inst.MaxDTE,
		PreferFriday: inst.PreferFriday,
	}
}

// heldShares sums account position quantity for the given conid.
func (e *Engine) heldShares(ctx context.Context, conID int64) (int, error) {
	var positions []broker.PositionItem
	err := e.retrier.Do(ctx, "read positions", func(opCtx context.Context) error {
		var err error
		positions, err = e.client.GetPositions(opCtx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading positions: %w", err)
	}
	total := 0.0
	for _, p := range positions {
		if p.ConID == conID {
			total += p.Position
		}
	}
	return int(total), nil
}

// RunCoveredCall buys shares within the budget under a protective stop,
// then writes calls against the combined holding once the share order has
// filled. A holding under one
// option lot keeps its shares and skips the call with an explicit message
// rather than erroring; there is nothing wrong, there is just nothing to
// cover yet.
func (e *Engine) RunCoveredCall(ctx context.Context, inst config.InstrumentConfig) (*Outcome, error) {
	underlying, err := e.catalog.Resolve(ctx, catalog.Instrument{
		Name:   inst.Name,
		Symbol: inst.Symbol,
		ConID:  inst.ConID,
	})
	if err != nil {
		return nil, err
	}

	ref, err := e.referencePrice(ctx, inst, underlying.ConID)
	if err != nil {
		return nil, fmt.Errorf("pricing %s: %w", underlying.Symbol, err)
	}
	e.logger.Printf("Reference for %s: %.2f (level=%s source=%s)",
		underlying.Symbol, ref.Price, ref.Level, ref.Origin)

	bought, err := pricing.SizeShares(inst.BudgetUSD, ref.Price)
	if err != nil {
		return nil, fmt.Errorf("sizing shares for %s: %w", underlying.Symbol, err)
	}
	held, err := e.heldShares(ctx, underlying.ConID)
	if err != nil {
		return nil, err
	}

	sharePrices, err := pricing.Derive(ref.Price, pricing.Params{
		SlippageBps: inst.SlippageBps,
		StopPct:     inst.StopPct,
		StopSide:    pricing.StopBelow,
	})
	if err != nil {
		return nil, err
	}
	shareRec, err := e.submit(ctx, inst, "covered_call", underlying.ConID,
		"BUY", float64(bought), ref.Price, sharePrices, "", "share leg")
	if err != nil {
		return nil, err
	}
	// The call is only covered once the shares are in. An unfilled parent
	// stays working with its stop; writing against it would be naked.
	if !shareRec.Filled {
		reason := fmt.Sprintf("call not written: share order %s still working at window close",
			shareRec.ParentOrderID)
		e.logger.Print(reason)
		return &Outcome{Skipped: true, Reason: reason, Trade: shareRec}, nil
	}

	total := held + bought
	contracts := pricing.SizeContracts(total)
	if contracts < 1 {
		reason := fmt.Sprintf("covered call skipped: %d shares of %s held, need at least 100",
			total, underlying.Symbol)
		e.logger.Print(reason)
		return &Outcome{Skipped: true, Reason: reason, Trade: shareRec}, nil
	}

	target := pricing.Round2(ref.Price * (1 + inst.OffsetPct))
	sel, err := e.selector.Pick(ctx, chain.Request{
		Underlying: *underlying,
		Right:      broker.RightCall,
		Target:     target,
		Mode:       strikeMode(inst.StrikeMode),
		Policy:     expiryPolicy(inst),
	})
	if err != nil {
		return nil, err
	}

	premium, err := e.resolvePremium(ctx, sel.Spec.ConID)
	if err != nil {
		return nil, fmt.Errorf("pricing option %d: %w", sel.Spec.ConID, err)
	}
	if inst.MinPremium > 0 && premium.Price < inst.MinPremium {
		reason := fmt.Sprintf("call not written: premium %.2f below floor %.2f",
			premium.Price, inst.MinPremium)
		e.logger.Print(reason)
		return &Outcome{Skipped: true, Reason: reason, Trade: shareRec}, nil
	}

	// Selling premium: the limit rests above the reference and the stop
	// sits higher still, buying the call back if it runs away.
	callPrices, err := pricing.Derive(premium.Price, pricing.Params{
		SlippageBps: inst.SlippageBps,
		StopPct:     inst.StopPct,
		StopSide:    pricing.StopAbove,
	})
	if err != nil {
		return nil, err
	}
	callRec, err := e.submit(ctx, inst, "covered_call", sel.Spec.ConID,
		"SELL", float64(contracts), ref.Price, callPrices, shareRec.OCAGroup, widenedNote(sel))
	if err != nil {
		return nil, err
	}
	return &Outcome{Trade: callRec}, nil
}

// RunLongPut buys protective puts sized by budget against the per-contract
// premium.
func (e *Engine) RunLongPut(ctx context.Context, inst config.InstrumentConfig) (*Outcome, error) {
	underlying, err := e.catalog.Resolve(ctx, catalog.Instrument{
		Name:   inst.Name,
		Symbol: inst.Symbol,
		ConID:  inst.ConID,
	})
	if err != nil {
		return nil, err
	}

	ref, err := e.referencePrice(ctx, inst, underlying.ConID)
	if err != nil {
		return nil, fmt.Errorf("pricing %s: %w", underlying.Symbol, err)
	}
	e.logger.Printf("Reference for %s: %.2f (level=%s source=%s)",
		underlying.Symbol, ref.Price, ref.Level, ref.Origin)

	target := pricing.Round2(ref.Price * (1 - inst.OffsetPct))
	sel, err := e.selector.Pick(ctx, chain.Request{
		Underlying: *underlying,
		Right:      broker.RightPut,
		Target:     target,
		Mode:       strikeMode(inst.StrikeMode),
		Policy:     expiryPolicy(inst),
	})
	if err != nil {
		return nil, err
	}

	premium, err := e.resolvePremium(ctx, sel.Spec.ConID)
	if err != nil {
		return nil, fmt.Errorf("pricing option %d: %w", sel.Spec.ConID, err)
	}
	if inst.MinPremium > 0 && premium.Price < inst.MinPremium {
		reason := fmt.Sprintf("put not bought: premium %.2f below floor %.2f",
			premium.Price, inst.MinPremium)
		e.logger.Print(reason)
		return &Outcome{Skipped: true, Reason: reason}, nil
	}

	// One contract controls 100 shares, so budget divides by 100x premium.
	contracts, err := pricing.SizeShares(inst.BudgetUSD, premium.Price*100)
	if err != nil {
		return nil, fmt.Errorf("sizing puts for %s: %w", underlying.Symbol, err)
	}
	if inst.MaxContracts > 0 && contracts > inst.MaxContracts {
		contracts = inst.MaxContracts
	}

	prices, err := pricing.Derive(premium.Price, pricing.Params{
		SlippageBps:   inst.SlippageBps,
		StopPct:       inst.StopPct,
		StopSide:      pricing.StopBelow,
		TakeProfitPct: inst.TakeProfitPct,
	})
	if err != nil {
		return nil, err
	}

	rec, err := e.submit(ctx, inst, "long_put", sel.Spec.ConID,
		"BUY", float64(contracts), ref.Price, prices, "", widenedNote(sel))
	if err != nil {
		return nil, err
	}
	return &Outcome{Trade: rec}, nil
}

func widenedNote(sel *chain.Selection) string {
	if !sel.Widened {
		return ""
	}
	return fmt.Sprintf("widened to %s %.2f", sel.Expiry, sel.Strike)
}

// Run dispatches on the instrument's configured strategy.
func (e *Engine) Run(ctx context.Context, inst config.InstrumentConfig) (*Outcome, error) {
	switch inst.Strategy {
	case "covered_call":
		return e.RunCoveredCall(ctx, inst)
	case "long_put":
		return e.RunLongPut(ctx, inst)
	default:
		return nil, fmt.Errorf("unknown strategy %q for instrument %s", inst.Strategy, inst.Name)
	}
}

func (e *Engine) submit(
	ctx context.Context,
	inst config.InstrumentConfig,
	strategy string,
	conID int64,
	action string,
	quantity float64,
	refPrice float64,
	prices pricing.Prices,
	ocaGroup string,
	note string,
) (*storage.TradeRecord, error) {
	bracket, err := orders.BuildBracket(orders.BracketRequest{
		Account:    e.account,
		ConID:      conID,
		Action:     action,
		Quantity:   quantity,
		Prices:     prices,
		EntryType:  entryOrderType(inst.EntryType),
		TIF:        inst.TIF,
		OutsideRTH: inst.OutsideRTH,
		OCAGroup:   ocaGroup,
	})
	if err != nil {
		return nil, err
	}

	sub, err := e.orders.SubmitBracket(ctx, bracket)
	if err != nil {
		return nil, err
	}

	fill, err := e.orders.WaitForFill(ctx, sub.ParentOrderID)
	if err != nil {
		return nil, err
	}
	if !fill.Filled {
		e.logger.Printf("Parent order %s still working at window close", sub.ParentOrderID)
	}

	rec := storage.TradeRecord{
		ID:            uuid.New().String(),
		Timestamp:     time.Now(),
		Instrument:    strings.ToLower(inst.Name),
		Strategy:      strategy,
		ConID:         conID,
		Action:        action,
		Quantity:      quantity,
		ReferencePx:   refPrice,
		LimitPrice:    prices.Limit,
		StopPrice:     prices.Stop,
		ParentOrderID: sub.ParentOrderID,
		StopOrderID:   sub.StopOrderID,
		TakeOrderID:   sub.TakeOrderID,
		OCAGroup:      sub.OCAGroup,
		DryRun:        sub.DryRun,
		Filled:        fill.Filled,
		Note:          note,
	}
	if prices.HasTakeProfit {
		rec.TakeProfit = prices.TakeProfit
	}
	if err := e.store.AppendTrade(rec); err != nil {
		e.logger.Printf("Failed to record trade %s: %v", rec.ID, err)
	}

	e.logger.Printf("%s %s: %s %.0f x conid %d, limit %.2f stop %.2f (oca=%s dry_run=%t filled=%t)",
		strategy, inst.Name, action, quantity, conID,
		prices.Limit, prices.Stop, sub.OCAGroup, sub.DryRun, fill.Filled)

	return &rec, nil
}

// ProbeReport summarizes account state for the dashboard and logs.
type ProbeReport struct {
	Positions  []broker.PositionItem
	LiveOrders []broker.LiveOrder
}

// Probe reads positions and working orders without trading.
func (e *Engine) Probe(ctx context.Context) (*ProbeReport, error) {
	positions, err := e.client.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading positions: %w", err)
	}
	liveOrders, err := e.client.GetLiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading live orders: %w", err)
	}
	e.logger.Printf("Probe: %d positions, %d working orders", len(positions), len(liveOrders))
	return &ProbeReport{Positions: positions, LiveOrders: liveOrders}, nil
}

// SnapshotVIXClose fetches the latest daily close for the VIX conid and
// records it under the close's date.
func (e *Engine) SnapshotVIXClose(ctx context.Context, vixConID int64) (float64, error) {
	var bars []broker.Bar
	err := e.retrier.Do(ctx, "vix history", func(opCtx context.Context) error {
		var err error
		bars, err = e.client.HistoricalBars(opCtx, vixConID, "1w", "1d", true)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("vix history: %w", err)
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if broker.IsUsablePrice(bars[i].Close) {
			date := bars[i].Time.Format("2006-01-02")
			if err := e.store.RecordVIXClose(date, bars[i].Close); err != nil {
				return 0, err
			}
			e.logger.Printf("Recorded VIX close %.2f for %s", bars[i].Close, date)
			return bars[i].Close, nil
		}
	}
	return 0, fmt.Errorf("no usable VIX close in %d bars", len(bars))
}

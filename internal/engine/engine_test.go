package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hfujimori/covercall/internal/broker"
	"github.com/hfujimori/covercall/internal/catalog"
	"github.com/hfujimori/covercall/internal/chain"
	"github.com/hfujimori/covercall/internal/config"
	"github.com/hfujimori/covercall/internal/orders"
	"github.com/hfujimori/covercall/internal/quote"
	"github.com/hfujimori/covercall/internal/storage"
)

const (
	underConID  = int64(42)
	optionConID = int64(9000)
)

// scriptedVenue implements enough of broker.Client for one engine pass.
type scriptedVenue struct {
	broker.Client

	shares     float64
	quotes     map[int64]*broker.Quote
	bars       []broker.Bar
	placed     []broker.OrderTicket
	neverFills bool
}

func (v *scriptedVenue) ContractByConID(_ context.Context, conID int64) (*broker.Contract, error) {
	return &broker.Contract{ConID: conID, Symbol: "UVIX", SecType: broker.SecTypeStock, Currency: "USD"}, nil
}

func (v *scriptedVenue) GetPositions(context.Context) ([]broker.PositionItem, error) {
	if v.shares == 0 {
		return nil, nil
	}
	return []broker.PositionItem{{ConID: underConID, Symbol: "UVIX", Position: v.shares}}, nil
}

func (v *scriptedVenue) GetLiveOrders(context.Context) ([]broker.LiveOrder, error) {
	return nil, nil
}

func (v *scriptedVenue) WatchQuote(_ context.Context, conID int64, level broker.MarketDataLevel, _ time.Duration) (*broker.Quote, error) {
	if q, ok := v.quotes[conID]; ok {
		q.ConID = conID
		q.Level = level
		return q, nil
	}
	return nil, broker.ErrNoMarketData
}

func (v *scriptedVenue) CancelQuote(context.Context, int64) error { return nil }

func (v *scriptedVenue) HistoricalBars(context.Context, int64, string, string, bool) ([]broker.Bar, error) {
	return v.bars, nil
}

func (v *scriptedVenue) GetOptionChain(context.Context, int64) (*broker.OptionChain, error) {
	// Expiries relative to the clock so the DTE window always admits them.
	first := chain.NextFriday(time.Now())
	firstDate, _ := time.Parse("20060102", first)
	second := chain.NextFriday(firstDate)
	return &broker.OptionChain{
		Expirations: []string{first, second},
		Strikes:     []float64{95, 97.5, 100, 102.5, 105},
	}, nil
}

func (v *scriptedVenue) QualifyOption(_ context.Context, spec broker.OptionSpec) (broker.OptionSpec, error) {
	spec.ConID = optionConID
	return spec, nil
}

func (v *scriptedVenue) PlaceOrder(_ context.Context, t broker.OrderTicket) (*broker.OrderAck, error) {
	v.placed = append(v.placed, t)
	return &broker.OrderAck{OrderID: "ord-1", Status: "Submitted"}, nil
}

func (v *scriptedVenue) GetOrderStatus(context.Context, string) (*broker.OrderStatus, error) {
	if v.neverFills {
		return &broker.OrderStatus{OrderID: "ord-1", Status: "submitted", RemainingQuantity: 1}, nil
	}
	return &broker.OrderStatus{OrderID: "ord-1", Status: "filled", FilledQuantity: 1}, nil
}

func newEngine(t *testing.T, venue *scriptedVenue, dryRun bool) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	om := orders.NewManager(venue, nil, dryRun, orders.Config{
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
		CallTimeout:  100 * time.Millisecond,
	})
	e := New(
		venue,
		catalog.New(venue, nil),
		quote.NewResolver(venue, nil, quote.WithWatchWait(time.Millisecond)),
		chain.NewSelector(venue, nil),
		om,
		store,
		nil,
		"DU12345",
	)
	return e, store
}

func uvixInstrument() config.InstrumentConfig {
	return config.InstrumentConfig{
		Name:         "uvix",
		Symbol:       "UVIX",
		ConID:        underConID,
		Strategy:     "covered_call",
		BudgetUSD:    5000,
		SlippageBps:  15,
		StopPct:      0.06,
		StrikeMode:   "nearest",
		MinDTE:       1,
		MaxDTE:       14,
		PreferFriday: true,
	}
}

func TestRunCoveredCall(t *testing.T) {
	venue := &scriptedVenue{
		shares: 141,
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 2.50},
		},
	}
	e, store := newEngine(t, venue, false)

	out, err := e.RunCoveredCall(context.Background(), uvixInstrument())
	if err != nil {
		t.Fatalf("RunCoveredCall: %v", err)
	}
	if out.Skipped {
		t.Fatalf("unexpected skip: %s", out.Reason)
	}

	// 5000 budget at 100 buys 50 shares; with 141 already held that covers
	// exactly one contract.
	if len(venue.placed) != 4 {
		t.Fatalf("placed %d orders, want share bracket + call bracket", len(venue.placed))
	}
	shareParent, shareStop := venue.placed[0], venue.placed[1]
	if shareParent.Action != "BUY" || shareParent.Quantity != 50 || shareParent.ConID != underConID {
		t.Fatalf("unexpected share parent: %+v", shareParent)
	}
	if shareParent.LimitPrice != 100.15 {
		t.Fatalf("share limit = %.4f, want 100.15", shareParent.LimitPrice)
	}
	if shareStop.StopPrice != 94.00 {
		t.Fatalf("share stop = %.4f, want 94.00", shareStop.StopPrice)
	}

	callParent, callStop := venue.placed[2], venue.placed[3]
	if callParent.Action != "SELL" || callParent.Quantity != 1 || callParent.ConID != optionConID {
		t.Fatalf("unexpected call parent: %+v", callParent)
	}
	// Premium 2.50: limit rests 15 bps up, stop sits 6% above.
	if callParent.LimitPrice != 2.50 {
		t.Fatalf("call limit = %.4f, want 2.50", callParent.LimitPrice)
	}
	if callStop.Action != "BUY" || callStop.StopPrice != 2.65 {
		t.Fatalf("unexpected call stop: %+v", callStop)
	}
	if callStop.OCAGroup != shareStop.OCAGroup {
		t.Fatalf("call stop oca = %q, want the share bracket's %q", callStop.OCAGroup, shareStop.OCAGroup)
	}

	trades := store.Trades()
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want share leg + call leg", len(trades))
	}
	rec := trades[1]
	if rec.Strategy != "covered_call" || rec.Action != "SELL" || !rec.Filled || rec.DryRun {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ReferencePx != 100.0 {
		t.Fatalf("ReferencePx = %v, want the underlying reference", rec.ReferencePx)
	}
	if out.Trade.ID != rec.ID {
		t.Fatalf("outcome should carry the call leg, got %+v", out.Trade)
	}
}

func TestRunCoveredCall_SkipsUnderOneLot(t *testing.T) {
	venue := &scriptedVenue{
		quotes: map[int64]*broker.Quote{underConID: {Last: 120.0}},
	}
	e, store := newEngine(t, venue, false)

	out, err := e.RunCoveredCall(context.Background(), uvixInstrument())
	if err != nil {
		t.Fatalf("RunCoveredCall: %v", err)
	}
	if !out.Skipped {
		t.Fatal("expected skip for sub-lot holding")
	}
	// 5000 at 120 buys 41 shares, below one option lot.
	if !strings.Contains(out.Reason, "41 shares") || !strings.Contains(out.Reason, "100") {
		t.Fatalf("skip reason should name the holding and the lot size: %q", out.Reason)
	}
	if len(venue.placed) != 2 {
		t.Fatalf("placed %d orders, want the share bracket only", len(venue.placed))
	}
	if venue.placed[0].Quantity != 41 {
		t.Fatalf("share quantity = %.0f, want 41", venue.placed[0].Quantity)
	}
	if len(store.Trades()) != 1 {
		t.Fatal("the share leg should still be recorded")
	}
	if out.Trade == nil || out.Trade.Action != "BUY" {
		t.Fatalf("skip outcome should carry the share leg: %+v", out.Trade)
	}
}

func TestRunCoveredCall_PremiumFloor(t *testing.T) {
	venue := &scriptedVenue{
		shares: 100,
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 0.05},
		},
	}
	e, _ := newEngine(t, venue, false)

	inst := uvixInstrument()
	inst.MinPremium = 0.25

	out, err := e.RunCoveredCall(context.Background(), inst)
	if err != nil {
		t.Fatalf("RunCoveredCall: %v", err)
	}
	if !out.Skipped || !strings.Contains(out.Reason, "below floor") {
		t.Fatalf("expected premium-floor skip, got %+v", out)
	}
	// Share bracket only; the call is not worth writing.
	if len(venue.placed) != 2 {
		t.Fatalf("placed %d orders, want the share bracket only", len(venue.placed))
	}
}

func TestRunCoveredCall_UnfilledSharesSkipCall(t *testing.T) {
	venue := &scriptedVenue{
		shares:     141,
		neverFills: true,
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 2.50},
		},
	}
	e, store := newEngine(t, venue, false)

	out, err := e.RunCoveredCall(context.Background(), uvixInstrument())
	if err != nil {
		t.Fatalf("RunCoveredCall: %v", err)
	}
	if !out.Skipped || !strings.Contains(out.Reason, "still working") {
		t.Fatalf("expected unfilled-parent skip, got %+v", out)
	}
	// The share bracket stays working with its stop; the call must not be
	// written against shares that never arrived.
	if len(venue.placed) != 2 {
		t.Fatalf("placed %d orders, want the share bracket only", len(venue.placed))
	}
	if out.Trade == nil || out.Trade.Filled {
		t.Fatalf("skip outcome should carry the unfilled share leg: %+v", out.Trade)
	}
	if len(store.Trades()) != 1 {
		t.Fatal("the working share leg should still be recorded")
	}
}

func TestRunLongPut_SizesByPremium(t *testing.T) {
	venue := &scriptedVenue{
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 2.50},
		},
	}
	e, _ := newEngine(t, venue, false)

	inst := uvixInstrument()
	inst.Strategy = "long_put"
	inst.BudgetUSD = 1000
	inst.TakeProfitPct = 0.10

	out, err := e.Run(context.Background(), inst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Skipped {
		t.Fatalf("unexpected skip: %s", out.Reason)
	}

	// 1000 budget at 250 per contract buys 4.
	if len(venue.placed) != 3 {
		t.Fatalf("placed %d orders, want parent+stop+take", len(venue.placed))
	}
	parent := venue.placed[0]
	if parent.Action != "BUY" || parent.Quantity != 4 {
		t.Fatalf("unexpected parent: %+v", parent)
	}
	take := venue.placed[2]
	if take.OrderType != "LMT" || take.LimitPrice != 2.75 {
		t.Fatalf("unexpected take-profit: %+v", take)
	}
}

func TestRunLongPut_ContractCap(t *testing.T) {
	venue := &scriptedVenue{
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 2.50},
		},
	}
	e, _ := newEngine(t, venue, false)

	inst := uvixInstrument()
	inst.Strategy = "long_put"
	inst.BudgetUSD = 1000 // would buy 4 uncapped
	inst.MaxContracts = 2

	out, err := e.RunLongPut(context.Background(), inst)
	if err != nil {
		t.Fatalf("RunLongPut: %v", err)
	}
	if out.Trade.Quantity != 2 {
		t.Fatalf("quantity = %.0f, want the cap 2", out.Trade.Quantity)
	}
}

func TestRunLongPut_EntryPolicy(t *testing.T) {
	venue := &scriptedVenue{
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 2.50},
		},
	}
	e, _ := newEngine(t, venue, false)

	inst := uvixInstrument()
	inst.Strategy = "long_put"
	inst.BudgetUSD = 1000
	inst.EntryType = "market"
	inst.TIF = "GTC"
	inst.OutsideRTH = true

	if _, err := e.RunLongPut(context.Background(), inst); err != nil {
		t.Fatalf("RunLongPut: %v", err)
	}
	parent, stop := venue.placed[0], venue.placed[1]
	if parent.OrderType != "MKT" || parent.LimitPrice != 0 {
		t.Fatalf("market entry not honored: %+v", parent)
	}
	if parent.TIF != "GTC" || !parent.OutsideRTH {
		t.Fatalf("order policy not carried on parent: %+v", parent)
	}
	if stop.TIF != "GTC" || !stop.OutsideRTH {
		t.Fatalf("order policy not carried on stop: %+v", stop)
	}
}

func TestRunLongPut_PremiumFloor(t *testing.T) {
	venue := &scriptedVenue{
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 0.05},
		},
	}
	e, store := newEngine(t, venue, false)

	inst := uvixInstrument()
	inst.Strategy = "long_put"
	inst.BudgetUSD = 1000
	inst.MinPremium = 0.25

	out, err := e.RunLongPut(context.Background(), inst)
	if err != nil {
		t.Fatalf("RunLongPut: %v", err)
	}
	if !out.Skipped || !strings.Contains(out.Reason, "below floor") {
		t.Fatalf("expected premium-floor skip, got %+v", out)
	}
	if len(venue.placed) != 0 || len(store.Trades()) != 0 {
		t.Fatal("floor skip must not trade")
	}
}

func TestRun_DryRunPlacesNothing(t *testing.T) {
	venue := &scriptedVenue{
		shares: 200,
		quotes: map[int64]*broker.Quote{
			underConID:  {Last: 100.0},
			optionConID: {Last: 2.50},
		},
	}
	e, store := newEngine(t, venue, true)

	out, err := e.RunCoveredCall(context.Background(), uvixInstrument())
	if err != nil {
		t.Fatalf("RunCoveredCall: %v", err)
	}
	if len(venue.placed) != 0 {
		t.Fatalf("dry run placed %d orders", len(venue.placed))
	}
	if !out.Trade.DryRun || !out.Trade.Filled {
		t.Fatalf("dry-run trade should be recorded as filled: %+v", out.Trade)
	}
	if len(store.Trades()) != 2 {
		t.Fatal("dry-run share and call legs must still be recorded")
	}
}

func TestRunCoveredCall_OverridePriceBypassesResolver(t *testing.T) {
	// No underlying quote is scripted: resolution would fail without the
	// override.
	venue := &scriptedVenue{
		shares: 100,
		quotes: map[int64]*broker.Quote{optionConID: {Last: 2.50}},
	}
	e, _ := newEngine(t, venue, true)

	inst := uvixInstrument()
	inst.OverridePx = 100.0

	out, err := e.RunCoveredCall(context.Background(), inst)
	if err != nil {
		t.Fatalf("RunCoveredCall: %v", err)
	}
	if out.Skipped {
		t.Fatalf("unexpected skip: %s", out.Reason)
	}
	if out.Trade.ReferencePx != 100.0 {
		t.Fatalf("ReferencePx = %v, want the override", out.Trade.ReferencePx)
	}
	if len(venue.placed) != 0 {
		t.Fatal("dry run must not place orders")
	}
}

func TestRun_UnknownStrategy(t *testing.T) {
	e, _ := newEngine(t, &scriptedVenue{}, false)
	inst := uvixInstrument()
	inst.Strategy = "iron_condor"

	if _, err := e.Run(context.Background(), inst); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestSnapshotVIXClose(t *testing.T) {
	venue := &scriptedVenue{
		bars: []broker.Bar{
			{Time: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), Close: 15.10},
			{Time: time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), Close: 14.85},
		},
	}
	e, store := newEngine(t, venue, false)

	v, err := e.SnapshotVIXClose(context.Background(), 13455763)
	if err != nil {
		t.Fatalf("SnapshotVIXClose: %v", err)
	}
	if v != 14.85 {
		t.Fatalf("close = %v, want the latest bar 14.85", v)
	}
	if got, ok := store.VIXClose("2026-08-26"); !ok || got != 14.85 {
		t.Fatalf("stored close = %v, %v", got, ok)
	}
}

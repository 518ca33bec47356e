// Package broker provides the venue client for the Interactive Brokers
// Client Portal gateway, a localhost REST daemon that fronts the brokerage.
// It owns contract resolution, market data snapshots, historical bars, and
// order placement.
package broker

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/sony/gobreaker"
)

// SecType identifies the security type of a contract.
type SecType string

// Security types understood by the gateway.
const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeIndex  SecType = "IND"
)

// Right represents the option right (call or put).
type Right string

// Option rights.
const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// MarketDataLevel is the gateway's market data permission level.
// The level decides which feed a snapshot request is served from.
type MarketDataLevel int

// Market data levels, matching the gateway's numbering.
const (
	LevelLive          MarketDataLevel = 1
	LevelFrozen        MarketDataLevel = 2
	LevelDelayed       MarketDataLevel = 3
	LevelDelayedFrozen MarketDataLevel = 4
)

func (l MarketDataLevel) String() string {
	switch l {
	case LevelLive:
		return "live"
	case LevelFrozen:
		return "frozen"
	case LevelDelayed:
		return "delayed"
	case LevelDelayedFrozen:
		return "delayed-frozen"
	default:
		return "unknown"
	}
}

// DefaultLevelOrder is the fallback sequence tried after the caller's
// preferred level. Delayed-frozen succeeds most often on accounts without
// live subscriptions, so it goes first.
var DefaultLevelOrder = []MarketDataLevel{LevelDelayedFrozen, LevelLive, LevelFrozen}

// Contract identifies a tradable instrument. Once a ConID is known it is
// authoritative; symbolic fields exist for lookup and logging only.
type Contract struct {
	ConID           int64
	Symbol          string
	SecType         SecType
	Currency        string
	Exchange        string // routing exchange, usually SMART
	PrimaryExchange string
}

// OptionSpec describes a single option contract. ConID is zero until the
// spec has been qualified against the venue.
type OptionSpec struct {
	ConID        int64
	Underlying   string
	Expiry       string // YYYYMMDD, gateway digit format
	Strike       float64
	Right        Right
	Exchange     string
	TradingClass string
	Currency     string
}

// Quote is one market data snapshot. Fields the gateway did not populate
// are NaN; consumers must treat NaN, zero, and negative sentinel values
// as absent.
type Quote struct {
	ConID     int64
	Last      float64
	Bid       float64
	Ask       float64
	PrevClose float64
	Mark      float64 // gateway-computed convenience price
	Level     MarketDataLevel
}

// Bar is a single historical bar.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// OptionChain lists the venue's strikes and expiries for an underlying.
type OptionChain struct {
	Expirations  []string // YYYYMMDD, sorted ascending
	Strikes      []float64
	Exchanges    []string
	TradingClass string
}

// OrderTicket is a fully-formed order ready for submission. ParentID links
// a child order to its parent; OCAGroup links orders that cancel together.
type OrderTicket struct {
	Account    string
	ConID      int64
	ClientID   string // caller-supplied order reference (cOID)
	ParentID   string
	OCAGroup   string
	Action     string // BUY or SELL
	OrderType  string // MKT, LMT, or STP
	Quantity   float64
	LimitPrice float64 // LMT only
	StopPrice  float64 // STP trigger
	TIF        string  // DAY or GTC
	OutsideRTH bool
}

// OrderAck is the gateway's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID string
	Status  string
}

// OrderStatus reports fill progress for an order.
type OrderStatus struct {
	OrderID           string
	Status            string
	FilledQuantity    float64
	RemainingQuantity float64
	AvgFillPrice      float64
}

// PositionItem is one account position.
type PositionItem struct {
	ConID    int64
	Symbol   string
	SecType  SecType
	Position float64
	AvgCost  float64
}

// LiveOrder summarizes a working order for the account probe.
type LiveOrder struct {
	OrderID   string
	Action    string
	OrderType string
	Quantity  float64
	Price     float64
}

// Sentinel errors for venue operations.
var (
	// ErrNoMarketData means a snapshot produced no usable fields at the
	// requested level.
	ErrNoMarketData = errors.New("no market data returned")
	// ErrContractNotFound means symbolic lookup or qualification failed.
	ErrContractNotFound = errors.New("contract not found")
	// ErrNotAuthenticated means the gateway session has expired and needs
	// a re-login through the gateway UI.
	ErrNotAuthenticated = errors.New("gateway session not authenticated")
)

// Client is the interface the rest of the system uses to talk to the venue.
type Client interface {
	// Contract resolution
	SearchContract(ctx context.Context, symbol string, secType SecType) ([]Contract, error)
	ContractByConID(ctx context.Context, conID int64) (*Contract, error)
	QualifyOption(ctx context.Context, spec OptionSpec) (OptionSpec, error)

	// Market data
	SnapshotQuote(ctx context.Context, conID int64, level MarketDataLevel) (*Quote, error)
	WatchQuote(ctx context.Context, conID int64, level MarketDataLevel, wait time.Duration) (*Quote, error)
	CancelQuote(ctx context.Context, conID int64) error
	HistoricalBars(ctx context.Context, conID int64, period, barSize string, rthOnly bool) ([]Bar, error)
	GetOptionChain(ctx context.Context, underlyingConID int64) (*OptionChain, error)

	// Orders and account
	PlaceOrder(ctx context.Context, ticket OrderTicket) (*OrderAck, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetLiveOrders(ctx context.Context) ([]LiveOrder, error)
}

// Ensure implementations satisfy Client at compile time.
var (
	_ Client = (*PortalClient)(nil)
	_ Client = (*CircuitBreakerClient)(nil)
)

// IsUsablePrice reports whether x is a finite, strictly positive price.
// The gateway uses NaN, 0, and -1 as absent-value sentinels.
func IsUsablePrice(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x > 0
}

// MidPrice returns the bid/ask midpoint when both sides are usable.
func MidPrice(bid, ask float64) (float64, bool) {
	if !IsUsablePrice(bid) || !IsUsablePrice(ask) {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// CircuitBreakerClient wraps a Client with circuit breaker protection so a
// wedged gateway fails fast instead of stalling every job on timeouts.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerClient creates a CircuitBreakerClient with defaults tuned
// for a localhost gateway: short open interval, quick recovery probes.
func NewCircuitBreakerClient(client Client) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with
// custom settings.
func NewCircuitBreakerClientWithSettings(client Client, settings CircuitBreakerSettings) *CircuitBreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, client Client, fn func(Client) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(client) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// SearchContract wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) SearchContract(ctx context.Context, symbol string, secType SecType) ([]Contract, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]Contract, error) {
		return cl.SearchContract(ctx, symbol, secType)
	})
}

// ContractByConID wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) ContractByConID(ctx context.Context, conID int64) (*Contract, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*Contract, error) {
		return cl.ContractByConID(ctx, conID)
	})
}

// QualifyOption wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) QualifyOption(ctx context.Context, spec OptionSpec) (OptionSpec, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (OptionSpec, error) {
		return cl.QualifyOption(ctx, spec)
	})
}

// SnapshotQuote wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) SnapshotQuote(ctx context.Context, conID int64, level MarketDataLevel) (*Quote, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*Quote, error) {
		return cl.SnapshotQuote(ctx, conID, level)
	})
}

// WatchQuote wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) WatchQuote(ctx context.Context, conID int64, level MarketDataLevel, wait time.Duration) (*Quote, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*Quote, error) {
		return cl.WatchQuote(ctx, conID, level, wait)
	})
}

// CancelQuote wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) CancelQuote(ctx context.Context, conID int64) error {
	_, err := execBreaker(c.breaker, c.client, func(cl Client) (struct{}, error) {
		return struct{}{}, cl.CancelQuote(ctx, conID)
	})
	return err
}

// HistoricalBars wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) HistoricalBars(ctx context.Context, conID int64, period, barSize string, rthOnly bool) ([]Bar, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]Bar, error) {
		return cl.HistoricalBars(ctx, conID, period, barSize, rthOnly)
	})
}

// GetOptionChain wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetOptionChain(ctx context.Context, underlyingConID int64) (*OptionChain, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*OptionChain, error) {
		return cl.GetOptionChain(ctx, underlyingConID)
	})
}

// PlaceOrder wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) PlaceOrder(ctx context.Context, ticket OrderTicket) (*OrderAck, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*OrderAck, error) {
		return cl.PlaceOrder(ctx, ticket)
	})
}

// GetOrderStatus wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) (*OrderStatus, error) {
		return cl.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.client, func(cl Client) (struct{}, error) {
		return struct{}{}, cl.CancelOrder(ctx, orderID)
	})
	return err
}

// GetPositions wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]PositionItem, error) {
		return cl.GetPositions(ctx)
	})
}

// GetLiveOrders wraps the underlying client call with the circuit breaker.
func (c *CircuitBreakerClient) GetLiveOrders(ctx context.Context) ([]LiveOrder, error) {
	return execBreaker(c.breaker, c.client, func(cl Client) ([]LiveOrder, error) {
		return cl.GetLiveOrders(ctx)
	})
}

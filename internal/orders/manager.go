package orders

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hfujimori/covercall/internal/broker"
)

// Config contains configuration for the order manager.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	Timeout:      2 * time.Minute,
	CallTimeout:  5 * time.Second,
}

// Manager submits brackets and tracks fills. In dry-run mode it logs the
// tickets it would have sent and never touches the venue.
type Manager struct {
	client broker.Client
	logger *log.Logger
	config Config
	dryRun bool
}

// NewManager creates a new order manager instance.
func NewManager(client broker.Client, logger *log.Logger, dryRun bool, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Guard against nil logger
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if client == nil {
		panic("orders.NewManager: client must not be nil")
	}

	return &Manager{
		client: client,
		logger: logger,
		config: cfg,
		dryRun: dryRun,
	}
}

// DryRun reports whether the manager is in dry-run mode.
func (m *Manager) DryRun() bool { return m.dryRun }

// SetDryRun toggles dry-run mode.
func (m *Manager) SetDryRun(v bool) { m.dryRun = v }

// Submission is the outcome of SubmitBracket. In dry-run mode the order ids
// are synthetic and DryRun is set.
type Submission struct {
	ParentOrderID string
	StopOrderID   string
	TakeOrderID   string
	OCAGroup      string
	DryRun        bool
}

// SubmitBracket sends the bracket's tickets to the venue, parent first so
// the children can reference it. A child failure after the parent went in is
// reported but does not roll the parent back; the caller decides.
func (m *Manager) SubmitBracket(ctx context.Context, b *Bracket) (*Submission, error) {
	if m.dryRun {
		for _, t := range b.Tickets() {
			m.logger.Printf("[DRY-RUN] would place %s %s conid=%d qty=%.0f lmt=%.2f stp=%.2f oca=%s parent=%s",
				t.Action, t.OrderType, t.ConID, t.Quantity, t.LimitPrice, t.StopPrice, t.OCAGroup, t.ParentID)
		}
		return &Submission{
			ParentOrderID: "dry-run-" + b.Parent.ClientID,
			StopOrderID:   "dry-run-" + b.Stop.ClientID,
			OCAGroup:      b.OCAGroup,
			DryRun:        true,
		}, nil
	}

	parentAck, err := m.placeOne(ctx, b.Parent)
	if err != nil {
		return nil, err
	}
	m.logger.Printf("Parent order placed: %s (%s %s conid=%d qty=%.0f @ %.2f)",
		parentAck.OrderID, b.Parent.Action, b.Parent.OrderType, b.Parent.ConID, b.Parent.Quantity, b.Parent.LimitPrice)

	sub := &Submission{ParentOrderID: parentAck.OrderID, OCAGroup: b.OCAGroup}

	stopAck, err := m.placeOne(ctx, b.Stop)
	if err != nil {
		m.logger.Printf("Stop child failed after parent %s was placed: %v", parentAck.OrderID, err)
		return sub, err
	}
	sub.StopOrderID = stopAck.OrderID
	m.logger.Printf("Stop order placed: %s (trigger %.2f)", stopAck.OrderID, b.Stop.StopPrice)

	if b.Take != nil {
		takeAck, err := m.placeOne(ctx, *b.Take)
		if err != nil {
			m.logger.Printf("Take-profit child failed after parent %s was placed: %v", parentAck.OrderID, err)
			return sub, err
		}
		sub.TakeOrderID = takeAck.OrderID
		m.logger.Printf("Take-profit order placed: %s (limit %.2f)", takeAck.OrderID, b.Take.LimitPrice)
	}
	return sub, nil
}

func (m *Manager) placeOne(ctx context.Context, t broker.OrderTicket) (*broker.OrderAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	return m.client.PlaceOrder(callCtx, t)
}

// FillResult reports WaitForFill's outcome. Filled false with a nil error
// means the wait window closed while the order was still working; that is a
// skip, not a failure.
type FillResult struct {
	Filled bool
	Status *broker.OrderStatus
}

// terminalFailure states mean the venue gave up on the order.
func terminalFailure(status string) bool {
	switch status {
	case "cancelled", "canceled", "rejected", "inactive", "expired":
		return true
	}
	return false
}

// WaitForFill polls the order until it fills, fails, or the wait window
// closes.
func (m *Manager) WaitForFill(ctx context.Context, orderID string) (*FillResult, error) {
	if m.dryRun && strings.HasPrefix(orderID, "dry-run-") {
		m.logger.Printf("[DRY-RUN] treating order %s as filled", orderID)
		return &FillResult{Filled: true}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var last *broker.OrderStatus
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Printf("Fill wait expired for order %s, leaving it working", orderID)
			return &FillResult{Filled: false, Status: last}, nil
		case <-ticker.C:
			callCtx, callCancel := context.WithTimeout(waitCtx, m.config.CallTimeout)
			status, err := m.client.GetOrderStatus(callCtx, orderID)
			callCancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue
				}
				m.logger.Printf("Error checking order %s: %v", orderID, err)
				continue
			}
			last = status

			m.logger.Printf("Order %s status: %s, filled: %.0f, remaining: %.0f",
				orderID, status.Status, status.FilledQuantity, status.RemainingQuantity)

			if status.Status == "filled" || (status.FilledQuantity > 0 && status.RemainingQuantity == 0) {
				return &FillResult{Filled: true, Status: status}, nil
			}
			if terminalFailure(status.Status) {
				return nil, errors.New("order " + orderID + " " + status.Status)
			}
		}
	}
}

// CancelBracket cancels every order id in the submission that is set.
func (m *Manager) CancelBracket(ctx context.Context, sub *Submission) error {
	if sub.DryRun {
		return nil
	}
	var firstErr error
	for _, id := range []string{sub.ParentOrderID, sub.StopOrderID, sub.TakeOrderID} {
		if id == "" {
			continue
		}
		if err := m.client.CancelOrder(ctx, id); err != nil {
			m.logger.Printf("Cancel failed for order %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

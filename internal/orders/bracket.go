// Package orders builds and submits bracket orders: a parent entry with a
// protective stop child, optionally a take-profit child, linked so the venue
// cancels the survivors when one leg completes.
package orders

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hfujimori/covercall/internal/broker"
	"github.com/hfujimori/covercall/internal/pricing"
)

// ocaPrefix namespaces this bot's one-cancels-all groups in the account.
const ocaPrefix = "covercall"

// NewOCAGroup mints a unique one-cancels-all group name.
func NewOCAGroup() string {
	return ocaPrefix + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// BracketRequest describes the bracket to build.
type BracketRequest struct {
	Account  string
	ConID    int64
	Action   string // parent side, BUY or SELL
	Quantity float64
	Prices   pricing.Prices
	// EntryType is the parent order type, LMT or MKT. Empty means LMT.
	// Children are always a stop and, when priced, a take-profit limit.
	EntryType  string
	TIF        string // defaults to DAY
	OutsideRTH bool
	// OCAGroup joins the children to an existing one-cancels-all group.
	// Empty mints a fresh group.
	OCAGroup string
}

// Bracket is a built set of tickets ready for submission. Children reference
// the parent through its client order id, so the set can be built without
// touching the venue.
type Bracket struct {
	Parent   broker.OrderTicket
	Stop     broker.OrderTicket
	Take     *broker.OrderTicket // nil when no take-profit was priced
	OCAGroup string
}

// Tickets returns the bracket's orders in submission order.
func (b *Bracket) Tickets() []broker.OrderTicket {
	out := []broker.OrderTicket{b.Parent, b.Stop}
	if b.Take != nil {
		out = append(out, *b.Take)
	}
	return out
}

func opposite(action string) string {
	if strings.EqualFold(action, "BUY") {
		return "SELL"
	}
	return "BUY"
}

// BuildBracket constructs the parent and child tickets. It is pure: no
// network, no clock, only the uuid mint for order ids.
func BuildBracket(req BracketRequest) (*Bracket, error) {
	if req.ConID == 0 {
		return nil, fmt.Errorf("bracket requires a resolved conid")
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid bracket quantity: %.2f", req.Quantity)
	}
	action := strings.ToUpper(req.Action)
	if action != "BUY" && action != "SELL" {
		return nil, fmt.Errorf("invalid bracket action %q", req.Action)
	}
	entry := strings.ToUpper(req.EntryType)
	if entry == "" {
		entry = "LMT"
	}
	if entry != "LMT" && entry != "MKT" {
		return nil, fmt.Errorf("invalid bracket entry type %q", req.EntryType)
	}
	if entry == "LMT" && !broker.IsUsablePrice(req.Prices.Limit) {
		return nil, fmt.Errorf("invalid bracket limit price: %.2f", req.Prices.Limit)
	}
	if !broker.IsUsablePrice(req.Prices.Stop) {
		return nil, fmt.Errorf("invalid bracket stop price: %.2f", req.Prices.Stop)
	}

	tif := req.TIF
	if tif == "" {
		tif = "DAY"
	}
	oca := req.OCAGroup
	if oca == "" {
		oca = NewOCAGroup()
	}
	parentID := uuid.New().String()

	parent := broker.OrderTicket{
		Account:    req.Account,
		ConID:      req.ConID,
		ClientID:   parentID,
		Action:     action,
		OrderType:  entry,
		Quantity:   req.Quantity,
		TIF:        tif,
		OutsideRTH: req.OutsideRTH,
	}
	if entry == "LMT" {
		parent.LimitPrice = req.Prices.Limit
	}
	stop := broker.OrderTicket{
		Account:    req.Account,
		ConID:      req.ConID,
		ClientID:   uuid.New().String(),
		ParentID:   parentID,
		OCAGroup:   oca,
		Action:     opposite(action),
		OrderType:  "STP",
		Quantity:   req.Quantity,
		StopPrice:  req.Prices.Stop,
		TIF:        tif,
		OutsideRTH: req.OutsideRTH,
	}

	b := &Bracket{Parent: parent, Stop: stop, OCAGroup: oca}
	if req.Prices.HasTakeProfit {
		if !broker.IsUsablePrice(req.Prices.TakeProfit) {
			return nil, fmt.Errorf("invalid take-profit price: %.2f", req.Prices.TakeProfit)
		}
		take := broker.OrderTicket{
			Account:    req.Account,
			ConID:      req.ConID,
			ClientID:   uuid.New().String(),
			ParentID:   parentID,
			OCAGroup:   oca,
			Action:     opposite(action),
			OrderType:  "LMT",
			Quantity:   req.Quantity,
			LimitPrice: req.Prices.TakeProfit,
			TIF:        tif,
			OutsideRTH: req.OutsideRTH,
		}
		b.Take = &take
	}
	return b, nil
}

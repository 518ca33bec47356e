// Package catalog maps the instruments the bot trades onto venue contracts.
// A configured conid is authoritative; symbolic lookup is the fallback, with
// a fixed exchange preference to break ties between duplicate listings.
package catalog

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/hfujimori/covercall/internal/broker"
)

// Instrument is one configured tradable.
type Instrument struct {
	Name     string // catalog key, e.g. "uvix"
	Symbol   string
	ConID    int64 // optional, authoritative when set
	SecType  broker.SecType
	Currency string
}

// ExchangePreference orders duplicate listings when resolving by symbol.
// BATS listings resolve most reliably through the gateway, so they win.
var ExchangePreference = []string{"BATS", "ARCA", "NYSE", "NASDAQ"}

// Catalog resolves instruments to contracts and caches the results for the
// life of the process. Conids do not change intraday.
type Catalog struct {
	client broker.Client
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]*broker.Contract
}

// New creates a Catalog. logger may be nil.
func New(client broker.Client, logger *log.Logger) *Catalog {
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	return &Catalog{
		client: client,
		logger: logger,
		cache:  make(map[string]*broker.Contract),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Resolve turns an instrument into a venue contract. Results are cached by
// instrument name.
func (c *Catalog) Resolve(ctx context.Context, inst Instrument) (*broker.Contract, error) {
	key := strings.ToLower(inst.Name)
	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	contract, err := c.resolve(ctx, inst)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = contract
	c.mu.Unlock()
	return contract, nil
}

func (c *Catalog) resolve(ctx context.Context, inst Instrument) (*broker.Contract, error) {
	if inst.ConID != 0 {
		contract, err := c.client.ContractByConID(ctx, inst.ConID)
		if err != nil {
			return nil, fmt.Errorf("resolve %s by conid %d: %w", inst.Name, inst.ConID, err)
		}
		c.logger.Printf("Resolved %s by conid: %d (%s)", inst.Name, contract.ConID, contract.Symbol)
		return contract, nil
	}

	secType := inst.SecType
	if secType == "" {
		secType = broker.SecTypeStock
	}
	candidates, err := c.client.SearchContract(ctx, inst.Symbol, secType)
	if err != nil {
		return nil, fmt.Errorf("resolve %s by symbol %s: %w", inst.Name, inst.Symbol, err)
	}

	contract := pickListing(candidates)
	c.logger.Printf("Resolved %s by symbol: %d (%s on %s)",
		inst.Name, contract.ConID, contract.Symbol, contract.PrimaryExchange)
	return contract, nil
}

// pickListing applies the exchange preference to duplicate listings. When no
// preferred exchange matches, the venue's own first result stands.
func pickListing(candidates []broker.Contract) *broker.Contract {
	for _, exch := range ExchangePreference {
		for i := range candidates {
			if strings.EqualFold(candidates[i].PrimaryExchange, exch) {
				return &candidates[i]
			}
		}
	}
	return &candidates[0]
}

// Invalidate drops a cached resolution, forcing the next Resolve to hit the
// venue again.
func (c *Catalog) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, strings.ToLower(name))
	c.mu.Unlock()
}

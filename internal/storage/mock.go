package storage

import "sync"

// MemoryStore is an in-memory Interface implementation for tests and
// ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	trades []TradeRecord
	vix    map[string]float64

	// FailAppend, when set, is returned from AppendTrade.
	FailAppend error
}

var _ Interface = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vix: make(map[string]float64)}
}

func (m *MemoryStore) AppendTrade(rec TradeRecord) error {
	if m.FailAppend != nil {
		return m.FailAppend
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, rec)
	return nil
}

func (m *MemoryStore) Trades() []TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TradeRecord, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *MemoryStore) RecordVIXClose(date string, close float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vix[date] = close
	return nil
}

func (m *MemoryStore) VIXClose(date string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vix[date]
	return v, ok
}

func (m *MemoryStore) VIXHistory() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.vix))
	for k, v := range m.vix {
		out[k] = v
	}
	return out
}

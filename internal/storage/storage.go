// Package storage persists the bot's trade log and VIX close history as a
// single JSON file. Writes go through a temp file and rename so a crash
// mid-save never corrupts the store.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TradeRecord is one submitted (or dry-run) bracket.
type TradeRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Instrument    string    `json:"instrument"`
	Strategy      string    `json:"strategy"`
	ConID         int64     `json:"conid"`
	Action        string    `json:"action"`
	Quantity      float64   `json:"quantity"`
	ReferencePx   float64   `json:"reference_px"`
	LimitPrice    float64   `json:"limit_price"`
	StopPrice     float64   `json:"stop_price"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	ParentOrderID string    `json:"parent_order_id"`
	StopOrderID   string    `json:"stop_order_id,omitempty"`
	TakeOrderID   string    `json:"take_order_id,omitempty"`
	OCAGroup      string    `json:"oca_group"`
	DryRun        bool      `json:"dry_run"`
	Filled        bool      `json:"filled"`
	Note          string    `json:"note,omitempty"`
}

// Interface is the persistence surface the engine and jobs depend on.
type Interface interface {
	AppendTrade(rec TradeRecord) error
	Trades() []TradeRecord
	RecordVIXClose(date string, close float64) error
	VIXClose(date string) (float64, bool)
	VIXHistory() map[string]float64
}

type storeData struct {
	Trades      []TradeRecord      `json:"trades"`
	VIXCloses   map[string]float64 `json:"vix_closes"` // keyed by YYYY-MM-DD
	LastUpdated time.Time          `json:"last_updated"`
}

// JSONStore is the file-backed implementation of Interface.
type JSONStore struct {
	mu       sync.RWMutex
	filepath string
	data     *storeData
}

var _ Interface = (*JSONStore)(nil)

// NewJSONStore opens or creates the store at filepath.
func NewJSONStore(filepath string) (*JSONStore, error) {
	s := &JSONStore{
		filepath: filepath,
		data: &storeData{
			VIXCloses: make(map[string]float64),
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.VIXCloses == nil {
		s.data.VIXCloses = make(map[string]float64)
	}
	return nil
}

// save must be called with the write lock held.
func (s *JSONStore) save() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// AppendTrade adds a record to the trade log and persists.
func (s *JSONStore) AppendTrade(rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.data.Trades = append(s.data.Trades, rec)
	return s.save()
}

// Trades returns a copy of the trade log, oldest first.
func (s *JSONStore) Trades() []TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TradeRecord, len(s.data.Trades))
	copy(out, s.data.Trades)
	return out
}

// RecordVIXClose stores a close for the given YYYY-MM-DD date and persists.
// Re-recording the same date overwrites.
func (s *JSONStore) RecordVIXClose(date string, close float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.VIXCloses[date] = close
	return s.save()
}

// VIXClose looks up a stored close by YYYY-MM-DD date.
func (s *JSONStore) VIXClose(date string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data.VIXCloses[date]
	return v, ok
}

// VIXHistory returns a copy of all stored closes.
func (s *JSONStore) VIXHistory() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.data.VIXCloses))
	for k, v := range s.data.VIXCloses {
		out[k] = v
	}
	return out
}

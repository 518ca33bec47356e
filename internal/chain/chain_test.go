package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hfujimori/covercall/internal/broker"
)

func TestPickStrike(t *testing.T) {
	ladder := []float64{95, 97.5, 100, 102.5, 105}

	tests := []struct {
		name    string
		ladder  []float64
		target  float64
		mode    StrikeMode
		want    float64
		wantErr bool
	}{
		{name: "nearest below midpoint", ladder: ladder, target: 101.2, mode: StrikeNearest, want: 100},
		{name: "ceil from same target", ladder: ladder, target: 101.2, mode: StrikeCeil, want: 102.5},
		{name: "nearest exact hit", ladder: ladder, target: 97.5, mode: StrikeNearest, want: 97.5},
		{name: "ceil exact hit", ladder: ladder, target: 97.5, mode: StrikeCeil, want: 97.5},
		{name: "nearest tie prefers lower", ladder: []float64{100, 102}, target: 101, mode: StrikeNearest, want: 100},
		{name: "ceil above ladder fails", ladder: ladder, target: 106, mode: StrikeCeil, wantErr: true},
		{name: "nearest above ladder clamps", ladder: ladder, target: 400, mode: StrikeNearest, want: 105},
		{name: "empty ladder", ladder: nil, target: 100, mode: StrikeNearest, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PickStrike(tt.ladder, tt.target, tt.mode)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("PickStrike: %v", err)
			}
			if got != tt.want {
				t.Fatalf("PickStrike(%v, %v, %s) = %v, want %v", tt.ladder, tt.target, tt.mode, got, tt.want)
			}
		})
	}
}

func TestSyntheticLadder(t *testing.T) {
	ladder := SyntheticLadder(12.3, 2)
	want := []float64{11.5, 12, 12.5, 13, 13.5}
	if len(ladder) != len(want) {
		t.Fatalf("ladder = %v, want %v", ladder, want)
	}
	for i := range want {
		if ladder[i] != want[i] {
			t.Fatalf("ladder = %v, want %v", ladder, want)
		}
	}

	// Strikes never go non-positive for tiny centers.
	for _, s := range SyntheticLadder(0.5, 5) {
		if s <= 0 {
			t.Fatalf("non-positive strike %v in %v", s, SyntheticLadder(0.5, 5))
		}
	}
}

func TestSelectExpiry(t *testing.T) {
	now := time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC) // Monday
	expirations := []string{
		"20261104", // Wednesday, 2 DTE
		"20261106", // Friday, 4 DTE
		"20261113", // Friday, 11 DTE
	}

	tests := []struct {
		name    string
		policy  ExpiryPolicy
		want    string
		empty   bool
		wantErr bool
	}{
		{
			name:   "friday wins inside window",
			policy: ExpiryPolicy{MinDTE: 1, MaxDTE: 7, PreferFriday: true},
			want:   "20261106",
		},
		{
			name:   "earliest when fridays not preferred",
			policy: ExpiryPolicy{MinDTE: 1, MaxDTE: 7},
			want:   "20261104",
		},
		{
			name:   "no friday in window falls back to earliest",
			policy: ExpiryPolicy{MinDTE: 1, MaxDTE: 3, PreferFriday: true},
			want:   "20261104",
		},
		{
			name:   "window skips near expiries",
			policy: ExpiryPolicy{MinDTE: 7, MaxDTE: 21, PreferFriday: true},
			want:   "20261113",
		},
		{
			name:   "empty window degrades to the closest future expiry",
			policy: ExpiryPolicy{MinDTE: 30, MaxDTE: 60},
			want:   "20261113",
		},
		{
			name:    "nothing in the future",
			policy:  ExpiryPolicy{MinDTE: 1, MaxDTE: 7},
			empty:   true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exps := expirations
			if tt.empty {
				exps = []string{"20251002"}
			}
			got, err := SelectExpiry(exps, now, tt.policy)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectExpiry: %v", err)
			}
			if got != tt.want {
				t.Fatalf("SelectExpiry = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSyntheticExpiries(t *testing.T) {
	now := time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC) // Monday

	got := SyntheticExpiries(now, ExpiryPolicy{MinDTE: 7, MaxDTE: 21})
	want := []string{"20261106", "20261113", "20261120", "20261127"}
	if len(got) != len(want) {
		t.Fatalf("expiries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expiries = %v, want %v", got, want)
		}
	}

	// The list must feed the window, not just the nearest Friday.
	exp, err := SelectExpiry(got, now, ExpiryPolicy{MinDTE: 7, MaxDTE: 21})
	if err != nil {
		t.Fatalf("SelectExpiry: %v", err)
	}
	if exp != "20261113" {
		t.Fatalf("SelectExpiry over synthetic list = %s, want 20261113", exp)
	}
}

func TestNextFriday(t *testing.T) {
	tests := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC), "20261106"}, // Monday
		{time.Date(2026, 11, 6, 10, 0, 0, 0, time.UTC), "20261113"}, // Friday rolls forward
		{time.Date(2026, 11, 5, 23, 0, 0, 0, time.UTC), "20261106"}, // Thursday night
	}
	for _, tt := range tests {
		if got := NextFriday(tt.now); got != tt.want {
			t.Fatalf("NextFriday(%s) = %s, want %s", tt.now.Format("2006-01-02"), got, tt.want)
		}
	}
}

// fakeChainVenue scripts the chain and qualification endpoints.
type fakeChainVenue struct {
	broker.Client

	chain    *broker.OptionChain
	chainErr error
	// listed maps "expiry/strike/right/exchange" to the conid that
	// qualifies there.
	listed   map[string]int64
	attempts []string
}

func (f *fakeChainVenue) GetOptionChain(context.Context, int64) (*broker.OptionChain, error) {
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return f.chain, nil
}

func (f *fakeChainVenue) QualifyOption(_ context.Context, spec broker.OptionSpec) (broker.OptionSpec, error) {
	key := fmt.Sprintf("%s/%v/%s/%s", spec.Expiry, spec.Strike, spec.Right, spec.Exchange)
	f.attempts = append(f.attempts, key)
	if id, ok := f.listed[key]; ok {
		spec.ConID = id
		return spec, nil
	}
	return broker.OptionSpec{}, fmt.Errorf("%w: %s", broker.ErrContractNotFound, key)
}

var underlying = broker.Contract{ConID: 1, Symbol: "UVIX", Currency: "USD"}

func TestPick_FirstChoiceQualifies(t *testing.T) {
	venue := &fakeChainVenue{
		chain: &broker.OptionChain{
			Expirations: []string{"20261106", "20261113"},
			Strikes:     []float64{95, 97.5, 100, 102.5, 105},
		},
		listed: map[string]int64{"20261106/100/C/": 555},
	}
	s := NewSelector(venue, nil)

	sel, err := s.Pick(context.Background(), Request{
		Underlying: underlying,
		Right:      broker.RightCall,
		Target:     101.2,
		Mode:       StrikeNearest,
		Policy:     ExpiryPolicy{MinDTE: 1, MaxDTE: 7, PreferFriday: true},
		Now:        time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if sel.Spec.ConID != 555 || sel.Strike != 100 || sel.Expiry != "20261106" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if sel.Widened {
		t.Fatal("first-choice qualification should not be marked widened")
	}
	if len(venue.attempts) != 1 {
		t.Fatalf("attempts = %v, want one", venue.attempts)
	}
}

func TestPick_WidensToNeighborStrike(t *testing.T) {
	venue := &fakeChainVenue{
		chain: &broker.OptionChain{
			Expirations: []string{"20261106"},
			Strikes:     []float64{95, 97.5, 100, 102.5, 105},
		},
		// Only the half-point neighbor on CBOE is listed.
		listed: map[string]int64{"20261106/100.5/C/CBOE": 777},
	}
	s := NewSelector(venue, nil)

	sel, err := s.Pick(context.Background(), Request{
		Underlying: underlying,
		Right:      broker.RightCall,
		Target:     101.2,
		Mode:       StrikeNearest,
		Policy:     ExpiryPolicy{MinDTE: 1, MaxDTE: 7, PreferFriday: true},
		Now:        time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if sel.Spec.ConID != 777 || sel.Strike != 100.5 {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if !sel.Widened {
		t.Fatal("neighbor qualification should be marked widened")
	}
}

func TestPick_WidensToEarlierExpiry(t *testing.T) {
	venue := &fakeChainVenue{
		chain: &broker.OptionChain{
			Expirations: []string{"20261106", "20261113"},
			Strikes:     []float64{95, 97.5, 100, 102.5, 105},
		},
		// Nothing listed for the in-window week; only the earlier expiry
		// qualifies.
		listed: map[string]int64{"20261106/100/C/": 666},
	}
	s := NewSelector(venue, nil)

	sel, err := s.Pick(context.Background(), Request{
		Underlying: underlying,
		Right:      broker.RightCall,
		Target:     101.2,
		Mode:       StrikeNearest,
		Policy:     ExpiryPolicy{MinDTE: 7, MaxDTE: 21, PreferFriday: true},
		Now:        time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if sel.Spec.ConID != 666 || sel.Expiry != "20261106" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if !sel.Widened {
		t.Fatal("earlier-expiry qualification should be marked widened")
	}
}

func TestPick_SyntheticLadderOnChainFailure(t *testing.T) {
	venue := &fakeChainVenue{
		chainErr: errors.New("chain endpoint down"),
		listed:   map[string]int64{"20261106/101/C/": 888},
	}
	s := NewSelector(venue, nil)

	sel, err := s.Pick(context.Background(), Request{
		Underlying: underlying,
		Right:      broker.RightCall,
		Target:     101.2,
		Mode:       StrikeNearest,
		Policy:     ExpiryPolicy{MinDTE: 1, MaxDTE: 7, PreferFriday: true},
		Now:        time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if sel.Spec.ConID != 888 || sel.Strike != 101 || sel.Expiry != "20261106" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
}

func TestPick_SyntheticExpiriesHonorWindow(t *testing.T) {
	venue := &fakeChainVenue{
		chainErr: errors.New("chain endpoint down"),
		listed:   map[string]int64{"20261113/101/C/": 999},
	}
	s := NewSelector(venue, nil)

	// The nearest Friday sits at 4 DTE, outside the window; the synthetic
	// list must still offer the Friday at 11 DTE.
	sel, err := s.Pick(context.Background(), Request{
		Underlying: underlying,
		Right:      broker.RightCall,
		Target:     101.2,
		Mode:       StrikeNearest,
		Policy:     ExpiryPolicy{MinDTE: 7, MaxDTE: 14, PreferFriday: true},
		Now:        time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if sel.Spec.ConID != 999 || sel.Expiry != "20261113" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
}

func TestPick_ExhaustsGrid(t *testing.T) {
	venue := &fakeChainVenue{
		chain: &broker.OptionChain{
			Expirations: []string{"20261106"},
			Strikes:     []float64{100},
		},
		listed: map[string]int64{},
	}
	s := NewSelector(venue, nil)

	_, err := s.Pick(context.Background(), Request{
		Underlying: underlying,
		Right:      broker.RightPut,
		Target:     100,
		Mode:       StrikeNearest,
		Policy:     ExpiryPolicy{MinDTE: 1, MaxDTE: 7},
		Now:        time.Date(2026, 11, 2, 10, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrContractUnresolved) {
		t.Fatalf("err = %v, want ErrContractUnresolved", err)
	}
	if len(venue.attempts) == 0 {
		t.Fatal("expected widening attempts before giving up")
	}
}

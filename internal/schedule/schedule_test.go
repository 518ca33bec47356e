package schedule

import (
	"context"
	"testing"
	"time"
)

func TestThirdWednesday(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		want  int // day of month
	}{
		{2026, time.August, 19},
		{2026, time.September, 16},
		{2026, time.November, 18},
		{2026, time.July, 15}, // month starting on Wednesday
	}
	for _, tt := range tests {
		got := ThirdWednesday(tt.year, tt.month, time.UTC)
		if got.Day() != tt.want || got.Weekday() != time.Wednesday {
			t.Fatalf("ThirdWednesday(%d, %s) = %s, want day %d",
				tt.year, tt.month, got.Format("2006-01-02 Mon"), tt.want)
		}
	}
}

func TestVIXSnapshotDates(t *testing.T) {
	// Third Wednesday of Aug 2026 is the 19th; the next three trading days
	// are Thu 20, Fri 21, Mon 24.
	dates := VIXSnapshotDates(2026, time.August, time.UTC)
	want := []int{20, 21, 24}
	if len(dates) != 3 {
		t.Fatalf("dates = %v, want 3", dates)
	}
	for i, d := range dates {
		if d.Day() != want[i] {
			t.Fatalf("dates[%d] = %s, want day %d", i, d.Format("2006-01-02"), want[i])
		}
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			t.Fatalf("snapshot date %s falls on a weekend", d.Format("2006-01-02 Mon"))
		}
	}
}

func TestIsVIXSnapshotDay(t *testing.T) {
	tests := []struct {
		day  time.Time
		want bool
	}{
		{time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC), false}, // settlement day itself
		{time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC), false}, // Saturday
		{time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := IsVIXSnapshotDay(tt.day); got != tt.want {
			t.Fatalf("IsVIXSnapshotDay(%s) = %v, want %v", tt.day.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestNextWeekly(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "monday rolls to friday",
			now:  time.Date(2026, 11, 2, 10, 0, 0, 0, ny),
			want: time.Date(2026, 11, 6, 9, 35, 0, 0, ny),
		},
		{
			name: "friday before the bell fires same day",
			now:  time.Date(2026, 11, 6, 8, 0, 0, 0, ny),
			want: time.Date(2026, 11, 6, 9, 35, 0, 0, ny),
		},
		{
			name: "friday after the bell rolls a week",
			now:  time.Date(2026, 11, 6, 10, 0, 0, 0, ny),
			want: time.Date(2026, 11, 13, 9, 35, 0, 0, ny),
		},
		{
			name: "exactly at the bell rolls forward",
			now:  time.Date(2026, 11, 6, 9, 35, 0, 0, ny),
			want: time.Date(2026, 11, 13, 9, 35, 0, 0, ny),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextWeekly(tt.now, time.Friday, "09:35", ny)
			if err != nil {
				t.Fatalf("NextWeekly: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextWeekly = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := NextWeekly(time.Now(), time.Friday, "25:99", ny); err == nil {
		t.Fatal("expected error for invalid clock")
	}
}

func TestScheduler_FiresEarliestTrigger(t *testing.T) {
	fired := make(chan string, 2)
	s := New(nil,
		Trigger{
			Name: "later",
			Next: func(now time.Time) (time.Time, error) { return now.Add(time.Hour), nil },
			Fire: func(context.Context) { fired <- "later" },
		},
		Trigger{
			Name: "sooner",
			Next: func(now time.Time) (time.Time, error) { return now.Add(5 * time.Millisecond), nil },
			Fire: func(context.Context) { fired <- "sooner" },
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case name := <-fired:
		if name != "sooner" {
			t.Fatalf("fired %q first, want sooner", name)
		}
	case <-ctx.Done():
		t.Fatal("no trigger fired before timeout")
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	s := New(nil, Trigger{
		Name: "weekly",
		Next: func(now time.Time) (time.Time, error) { return now.Add(time.Hour), nil },
		Fire: func(context.Context) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsUntilCancelled(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Every("tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Every("failing", 10*time.Millisecond, func(ctx context.Context) error {
		return errors.New("refresh failed")
	})
	s.Every("ignored", 0, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if n := runs.Load(); n < 2 {
		t.Fatalf("runs = %d, want at least 2", n)
	}
	if got := len(s.Tasks()); got != 2 {
		t.Fatalf("tasks = %d, want 2", got)
	}
}

func TestPanickingTaskDoesNotStopScheduler(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Every("panics", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if runs.Load() < 2 {
		t.Fatalf("panicking task ran %d times", runs.Load())
	}
}

func TestNextDailyRun(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		at   string
		want time.Time
	}{
		{"12:15", time.Date(2024, 5, 1, 12, 15, 0, 0, time.UTC)},
		{"09:00", time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)},
		{"10:30", time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)},
		{"garbage", time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC)},
		{"25:00", time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := NextDailyRun(tt.at, now); !got.Equal(tt.want) {
			t.Errorf("NextDailyRun(%q) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

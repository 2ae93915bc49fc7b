package adapter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{time.Second, 0, 0},
		{time.Second, 1, time.Second},
		{time.Second, 3, 4 * time.Second},
		{0, 1, DefaultBackoffBase},
		{0, 2, 2 * DefaultBackoffBase},
	}
	for _, tt := range tests {
		if got := Backoff(tt.base, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%s, %d) = %s, want %s", tt.base, tt.attempt, got, tt.want)
		}
	}
}

func TestDeliver(t *testing.T) {
	errBusy := errors.New("busy")
	errRejected := errors.New("rejected")

	tests := []struct {
		name         string
		retries      int
		results      []error // per attempt; last repeats
		wantErr      error
		wantAttempts int
	}{
		{"first try", 3, []error{nil}, nil, 1},
		{"recovers", 3, []error{errBusy, errBusy, nil}, nil, 3},
		{"exhausts retries", 2, []error{errBusy}, errBusy, 3},
		{"no retries", 0, []error{errBusy}, errBusy, 1},
		{"permanent stops", 3, []error{errBusy, Permanent(errRejected)}, errRejected, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen []int
			err := Deliver(context.Background(), tt.retries, time.Millisecond, func(_ context.Context, attempt int) error {
				seen = append(seen, attempt)
				return tt.results[min(attempt-1, len(tt.results)-1)]
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(seen) != tt.wantAttempts {
				t.Fatalf("attempts = %v, want %d", seen, tt.wantAttempts)
			}
			for i, a := range seen {
				if a != i+1 {
					t.Errorf("attempt numbers = %v", seen)
					break
				}
			}
		})
	}
}

func TestDeliver_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Deliver(ctx, 5, time.Hour, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("busy")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("bad request")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent(%v) = %v", base, err)
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
}

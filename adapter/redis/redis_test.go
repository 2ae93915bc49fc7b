package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/spotter/adapter"
)

func testEvent(id string) *adapter.DetectionCompletedEvent {
	return &adapter.DetectionCompletedEvent{
		Version:    "0.3.0",
		EventType:  adapter.EventTypeDetectionCompleted,
		RequestID:  id,
		Kind:       "image",
		Outcome:    "WorkerFailure",
		ErrorKind:  "WorkerFailure",
		Timestamp:  "2026-02-07T12:00:00Z",
		DurationMs: 1500,
		InputBytes: 2048,
	}
}

// asyncReceive reads one message from the subscriber in a goroutine. Must be
// called before Publish: miniredis delivers pub/sub synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func newAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Millisecond
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPublish_Channels(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"default channel", "", DefaultChannel},
		{"custom channel", "custom:notifications", "custom:notifications"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			a := newAdapter(t, Config{URL: "redis://" + mr.Addr(), Channel: tt.channel})

			sub := mr.NewSubscriber()
			sub.Subscribe(tt.want)
			ch := asyncReceive(sub)

			if err := a.Publish(t.Context(), testEvent("req-001")); err != nil {
				t.Fatalf("publish: %v", err)
			}

			msg := waitMessage(t, ch)
			if msg.Channel != tt.want {
				t.Errorf("channel = %q, want %q", msg.Channel, tt.want)
			}
			var received adapter.DetectionCompletedEvent
			if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if received.RequestID != "req-001" || received.ErrorKind != "WorkerFailure" {
				t.Errorf("received = %+v", received)
			}
		})
	}
}

func TestPublish_RecentList(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newAdapter(t, Config{URL: "redis://" + mr.Addr(), RecentKey: "spotter:recent", RecentLimit: 2})

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		if err := a.Publish(t.Context(), testEvent(id)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	items, err := mr.List("spotter:recent")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("recent list length = %d, want 2", len(items))
	}
	var newest adapter.DetectionCompletedEvent
	if err := json.Unmarshal([]byte(items[0]), &newest); err != nil {
		t.Fatal(err)
	}
	if newest.RequestID != "req-3" {
		t.Errorf("newest = %s, want req-3", newest.RequestID)
	}
}

func TestPublish_Unreachable(t *testing.T) {
	t.Run("exhausts retries", func(t *testing.T) {
		a := newAdapter(t, Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond})
		if err := a.Publish(t.Context(), testEvent("req-1")); err == nil {
			t.Fatal("expected error after exhausting retries")
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		a := newAdapter(t, Config{URL: "redis://127.0.0.1:1", Retries: 5, BackoffBase: time.Minute})

		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		if err := a.Publish(ctx, testEvent("req-1")); err == nil {
			t.Fatal("expected error on canceled context")
		}
		if time.Since(start) > 5*time.Second {
			t.Error("backoff ignored cancellation")
		}
	})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"requires URL", Config{}, true},
		{"invalid URL", Config{URL: "not-a-redis-url"}, true},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}, true},
		{"defaults", Config{URL: "redis://localhost:6379"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if a == nil {
				return
			}
			defer func() { _ = a.Close() }()
			if a.config.Channel != DefaultChannel || a.config.Timeout != DefaultTimeout || a.config.RecentLimit != DefaultRecentLimit {
				t.Errorf("defaults = %+v", a.config)
			}
		})
	}
}

func TestClose_PublishFails(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(t.Context(), testEvent("req-1")); err == nil {
		t.Fatal("expected error after close")
	}
}

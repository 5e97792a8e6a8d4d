package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendStatusRetryable(t *testing.T) {
	cases := map[SendStatus]bool{
		StatusSent:             false,
		StatusNetworkFailure:   true,
		StatusUnregistered:     false,
		StatusIdentityMismatch: false,
		StatusRateLimited:      true,
		StatusRejected:         false,
	}
	for status, want := range cases {
		if got := status.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", status, got, want)
		}
	}
	if SendStatus(42).String() != "unknown(42)" {
		t.Errorf("unexpected string for unknown status: %s", SendStatus(42))
	}
}

func TestRateLimitedForwards(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(ctx context.Context, to string, msg OutgoingMessage) SendResult {
		calls.Add(1)
		if to != "+15550001" || msg.Body != "hi" {
			t.Errorf("unexpected forward: to=%s body=%s", to, msg.Body)
		}
		return SendResult{Status: StatusSent, MessageID: "wa-1"}
	})
	rl := NewRateLimited(next, 0, 0)

	res := rl.Send(context.Background(), "+15550001", OutgoingMessage{Body: "hi"})
	if res.Status != StatusSent || res.MessageID != "wa-1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one forwarded send, got %d", calls.Load())
	}
}

func TestRateLimitedWaitCanceled(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(context.Context, string, OutgoingMessage) SendResult {
		calls.Add(1)
		return SendResult{Status: StatusSent}
	})
	// One token per hour: the first send takes the burst token, the second must wait.
	rl := NewRateLimited(next, 1.0/3600, 1)
	if res := rl.Send(context.Background(), "a", OutgoingMessage{}); res.Status != StatusSent {
		t.Fatalf("first send should pass, got %s", res.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := rl.Send(ctx, "a", OutgoingMessage{})
	if res.Status != StatusNetworkFailure || res.Err == nil {
		t.Errorf("expected network failure from aborted wait, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("throttled send must not be forwarded, got %d calls", calls.Load())
	}
}

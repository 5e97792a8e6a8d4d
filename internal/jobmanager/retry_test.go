package jobmanager

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStrategies(t *testing.T) {
	if d := (Constant{Interval: 3 * time.Second}).Delay(7); d != 3*time.Second {
		t.Errorf("Constant: got %v", d)
	}
	if d := (Linear{Initial: time.Second, Max: 5 * time.Second}).Delay(3); d != 3*time.Second {
		t.Errorf("Linear: got %v", d)
	}
	if d := (Linear{Initial: time.Second, Max: 5 * time.Second}).Delay(10); d != 5*time.Second {
		t.Errorf("Linear cap: got %v", d)
	}
	if d := (Exponential{Initial: time.Second, Max: time.Minute}).Delay(4); d != 8*time.Second {
		t.Errorf("Exponential: got %v", d)
	}
	if d := (Exponential{Initial: time.Second, Max: time.Minute}).Delay(20); d != time.Minute {
		t.Errorf("Exponential cap: got %v", d)
	}
	for i := 0; i < 50; i++ {
		if d := (ExponentialWithJitter{Initial: time.Second, Max: 10 * time.Second}).Delay(3); d < 0 || d > 4*time.Second {
			t.Fatalf("Jitter out of range: %v", d)
		}
	}
}

func TestStrategiesWithoutMaxSaturate(t *testing.T) {
	for _, attempt := range []int{64, 1100, 1 << 20} {
		if d := (Exponential{Initial: time.Second}).Delay(attempt); d != maxDelay {
			t.Errorf("Exponential(%d): expected saturation at %v, got %v", attempt, maxDelay, d)
		}
		if d := (ExponentialWithJitter{Initial: time.Second}).Delay(attempt); d < 0 {
			t.Errorf("Jitter(%d): got negative delay %v", attempt, d)
		}
		if d := (Linear{Initial: time.Hour}).Delay(attempt << 20); d <= 0 {
			t.Errorf("Linear(%d): got non-positive delay %v", attempt, d)
		}
	}
	p := RetryPolicy{Backoff: Exponential{Initial: time.Second}}
	if d := p.Delay(KindTransient, 5000); d != maxDelay {
		t.Errorf("expected unlimited retries to back off at %v, got %v", maxDelay, d)
	}
}

func TestRetryPolicyDelayFloor(t *testing.T) {
	p := RetryPolicy{Backoff: Constant{}, PendingBackoff: Constant{Interval: time.Minute}}
	if d := p.Delay(KindTransient, 1); d != MinBackoff {
		t.Errorf("expected floor %v, got %v", MinBackoff, d)
	}
	if d := p.Delay(KindPending, 1); d != time.Minute {
		t.Errorf("expected pending backoff, got %v", d)
	}
	if d := (RetryPolicy{}).Delay(KindTransient, 1); d != MinBackoff {
		t.Errorf("expected floor for empty policy, got %v", d)
	}
}

func TestDecideFailure(t *testing.T) {
	now := time.Now()
	p := RetryPolicy{Backoff: Constant{Interval: time.Second}}

	v := p.decideFailure(Parameters{MaxAttempts: 3, Attempt: 0, CreateTime: now}, true, KindTransient, now)
	if !v.retry || v.attempt != 1 || !v.runAfter.Equal(now.Add(time.Second)) {
		t.Errorf("expected retry at attempt 1, got %+v", v)
	}

	v = p.decideFailure(Parameters{MaxAttempts: 3, Attempt: 2, CreateTime: now}, true, KindTransient, now)
	if v.retry || v.attempt != 3 {
		t.Errorf("expected failure once attempts are exhausted, got %+v", v)
	}

	v = p.decideFailure(Parameters{MaxAttempts: Unlimited, Attempt: 100, CreateTime: now}, true, KindTransient, now)
	if !v.retry {
		t.Error("unlimited attempts must keep retrying")
	}

	v = p.decideFailure(Parameters{MaxAttempts: Unlimited, CreateTime: now.Add(-2 * time.Hour), Lifespan: time.Hour}, true, KindTransient, now)
	if v.retry {
		t.Error("expired lifespan must fail")
	}

	v = p.decideFailure(Parameters{MaxAttempts: 5, Attempt: 1, CreateTime: now}, false, KindPermanent, now)
	if v.retry || v.attempt != 1 {
		t.Errorf("non-retryable error must fail without consuming an attempt, got %+v", v)
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	wrapped := fmt.Errorf("send message: %w", Transient(base))
	if KindOf(wrapped) != KindTransient {
		t.Errorf("expected transient through wrapping, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, base) {
		t.Error("kind wrapper must unwrap to the cause")
	}
	if KindOf(Pending(base)) != KindPending {
		t.Error("expected pending")
	}
	if KindOf(base) != KindPermanent || DefaultShouldRetry(base) {
		t.Error("unclassified errors must be permanent")
	}
	if Transient(nil) != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	f := func(p Parameters, data []byte) (Job, error) { return newTestJob(p, string(data), nil), nil }
	if err := r.Register("A", f); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("A", f); !errors.Is(err, ErrDuplicateFactory) {
		t.Errorf("expected ErrDuplicateFactory, got %v", err)
	}
	if _, err := r.Create("B", Parameters{}, nil); !errors.Is(err, ErrUnknownFactory) {
		t.Errorf("expected ErrUnknownFactory, got %v", err)
	}
	job, err := r.Create("A", Parameters{ID: "job_1", Attempt: 4}, []byte("d"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if tj := job.(*testJob); tj.ID() != "job_1" || tj.Attempt() != 4 || tj.payload != "d" {
		t.Errorf("unexpected job: %+v", tj.Parameters())
	}

	defer func() {
		if recover() == nil {
			t.Error("MustRegister must panic on duplicate")
		}
	}()
	r.MustRegister("A", f)
}

func TestToggle(t *testing.T) {
	tg := NewToggle(false)
	calls := 0
	unsubscribe := tg.Subscribe(func() { calls++ })

	if !tg.Set(true) || !tg.IsMet() {
		t.Fatal("expected toggle to change to met")
	}
	if tg.Set(true) {
		t.Error("setting the same value must not report a change")
	}
	if calls != 1 {
		t.Errorf("expected 1 notification, got %d", calls)
	}
	unsubscribe()
	tg.Set(false)
	if calls != 1 {
		t.Errorf("expected no notification after unsubscribe, got %d", calls)
	}
}

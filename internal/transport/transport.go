// Package transport defines the outbound message contract used by send jobs.
//
// A Transport never returns a bare error: every send is resolved to a SendStatus so the
// calling job can decide between retry and permanent failure.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/Courier/internal/models"
)

// SendStatus is the outcome of one send attempt.
type SendStatus int

const (
	StatusSent SendStatus = iota
	StatusNetworkFailure
	StatusUnregistered
	StatusIdentityMismatch
	StatusRateLimited
	StatusRejected
)

func (s SendStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusNetworkFailure:
		return "network_failure"
	case StatusUnregistered:
		return "unregistered"
	case StatusIdentityMismatch:
		return "identity_mismatch"
	case StatusRateLimited:
		return "rate_limited"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Retryable reports whether a later attempt of the same send may succeed.
func (s SendStatus) Retryable() bool {
	return s == StatusNetworkFailure || s == StatusRateLimited
}

// OutgoingMessage is what a send job hands to the transport.
type OutgoingMessage struct {
	MessageID   string
	Body        string
	Attachments []models.AttachmentPointer
	Timestamp   int64 // unix millis, assigned when the message was composed
}

// SendResult describes the outcome of Transport.Send.
type SendResult struct {
	Status    SendStatus
	MessageID string // transport-assigned id, set when Status is StatusSent
	Timestamp int64  // server timestamp in unix millis, when known
	Err       error
}

// Transport delivers a message to a recipient address.
type Transport interface {
	Send(ctx context.Context, to string, msg OutgoingMessage) SendResult
}

// Func adapts a plain function to Transport.
type Func func(ctx context.Context, to string, msg OutgoingMessage) SendResult

// Send calls f.
func (f Func) Send(ctx context.Context, to string, msg OutgoingMessage) SendResult {
	return f(ctx, to, msg)
}

// RateLimited throttles another Transport with a token bucket.
type RateLimited struct {
	next    Transport
	limiter *rate.Limiter
}

// NewRateLimited wraps next so that at most perSecond sends start per second, with the given
// burst. A non-positive perSecond disables throttling.
func NewRateLimited(next Transport, perSecond float64, burst int) *RateLimited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Send waits for a token, then forwards to the wrapped transport. A wait cut short by ctx is
// reported as a network failure so the job retries later.
func (r *RateLimited) Send(ctx context.Context, to string, msg OutgoingMessage) SendResult {
	if err := r.limiter.Wait(ctx); err != nil {
		slog.Debug("RateLimited.Send: wait aborted", "to", to, "error", err)
		return SendResult{Status: StatusNetworkFailure, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}
	return r.next.Send(ctx, to, msg)
}

// Ensure implementations satisfy the interface.
var (
	_ Transport = (*RateLimited)(nil)
	_ Transport = Func(nil)
)

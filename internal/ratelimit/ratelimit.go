// Package ratelimit decides whether a tech may dispatch, counting recorded
// dispatch events over a rolling 60 second window. The check and the event
// record are separate store operations, so enforcement is best-effort under
// concurrency, not exact.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"chatgate/internal/storage"
)

// Window is the trailing span dispatch events are counted over.
const Window = time.Minute

type Decision struct {
	Limited     bool
	WaitSeconds int
}

// Decide is the pure rate-limit rule: with `count` events already recorded
// in the trailing window, the oldest of them at `oldest`, a new dispatch is
// allowed while count < limit. When limited, WaitSeconds is the time until
// the oldest event leaves the window. A non-positive limit never limits.
func Decide(limit, count int, oldest, now time.Time) Decision {
	if limit <= 0 || count < limit {
		return Decision{}
	}

	wait := 1
	if !oldest.IsZero() {
		until := oldest.Add(Window).Sub(now)
		if secs := int(math.Ceil(until.Seconds())); secs > wait {
			wait = secs
		}
	}
	return Decision{Limited: true, WaitSeconds: wait}
}

// EventStore is the slice of the data store the limiter needs.
type EventStore interface {
	GetRateLimitByTech(ctx context.Context, techID int64) (storage.RateLimitedAPI, error)
	CountRateEventsSince(ctx context.Context, rateLimitedAPIID int64, since time.Time) (int, error)
	OldestRateEventSince(ctx context.Context, rateLimitedAPIID int64, since time.Time) (time.Time, error)
	InsertRateEvent(ctx context.Context, rateLimitedAPIID int64, at time.Time) error
}

type Limiter struct {
	store EventStore
	now   func() time.Time
}

func New(store EventStore) *Limiter {
	return &Limiter{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Check evaluates the quota for a tech. A tech with no configured quota is
// never limited.
func (l *Limiter) Check(ctx context.Context, techID int64) (Decision, error) {
	api, err := l.store.GetRateLimitByTech(ctx, techID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, nil
		}
		return Decision{}, err
	}

	now := l.now()
	since := now.Add(-Window)
	count, err := l.store.CountRateEventsSince(ctx, api.ID, since)
	if err != nil {
		return Decision{}, err
	}
	if count < api.PerMinute || api.PerMinute <= 0 {
		return Decide(api.PerMinute, count, time.Time{}, now), nil
	}

	oldest, err := l.store.OldestRateEventSince(ctx, api.ID, since)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, err
	}
	return Decide(api.PerMinute, count, oldest, now), nil
}

// Record appends a dispatch event. Callers do this after an allowing Check
// and before dispatching. Techs without a configured quota record nothing.
func (l *Limiter) Record(ctx context.Context, techID int64) error {
	api, err := l.store.GetRateLimitByTech(ctx, techID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return l.store.InsertRateEvent(ctx, api.ID, l.now())
}

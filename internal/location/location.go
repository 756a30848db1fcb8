// Package location acquires a best-effort geographic fix at scan time.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rfidscan/scan-logger/internal/model"
)

// DefaultTimeout bounds a single fix attempt.
const DefaultTimeout = 5 * time.Second

// ErrUnavailable reports that no fix could be produced: the platform lacks a
// location source, the source refused, or the attempt timed out.
var ErrUnavailable = errors.New("location unavailable")

// Resolver produces a single fresh fix per call.
type Resolver interface {
	CurrentFix(ctx context.Context) (model.GeoLocation, error)
}

// Outcome is the result of a best-effort fix attempt.
type Outcome struct {
	Fix *model.GeoLocation
	Err error
}

// OK reports whether a fix was obtained.
func (o Outcome) OK() bool {
	return o.Fix != nil
}

// Attempt asks the resolver for a fix and folds any failure into the outcome.
// It never fails the caller.
func Attempt(ctx context.Context, r Resolver) Outcome {
	if r == nil {
		return Outcome{Err: ErrUnavailable}
	}
	fix, err := r.CurrentFix(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return Outcome{Err: err}
	}
	return Outcome{Fix: &fix}
}

// Unavailable is the resolver of a device with no location capability.
type Unavailable struct{}

// CurrentFix always fails with ErrUnavailable.
func (Unavailable) CurrentFix(context.Context) (model.GeoLocation, error) {
	return model.GeoLocation{}, fmt.Errorf("%w: no location source configured", ErrUnavailable)
}

// Static reports fixed coordinates, for readers mounted at a known gate.
type Static struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64

	Now func() time.Time
}

// CurrentFix returns the configured coordinates stamped with the call time.
func (s Static) CurrentFix(context.Context) (model.GeoLocation, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return model.GeoLocation{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Accuracy:  s.Accuracy,
		Timestamp: now().UTC(),
	}, nil
}

// Feed resolves fixes pushed by an external GPS publisher. A call waits for
// the first fix whose timestamp is not older than the call itself, so cached
// fixes are never returned.
type Feed struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	latest  *model.GeoLocation
	waiters map[chan model.GeoLocation]time.Time
	err     error
}

// NewFeed builds a feed with the given per-call timeout.
func NewFeed(timeout time.Duration) *Feed {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Feed{
		timeout: timeout,
		now:     time.Now,
		waiters: make(map[chan model.GeoLocation]time.Time),
	}
}

// Publish offers a new fix to pending and future callers.
func (f *Feed) Publish(fix model.GeoLocation) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = f.now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.latest = &fix
	f.err = nil
	for ch, since := range f.waiters {
		if fix.Timestamp.Before(since) {
			continue
		}
		ch <- fix
		delete(f.waiters, ch)
	}
}

// Fail marks the source as unusable (for example permission revoked)
// until the next Publish. Pending callers fail immediately.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
	for ch := range f.waiters {
		close(ch)
		delete(f.waiters, ch)
	}
}

// CurrentFix waits for a fresh fix, bounded by the feed timeout.
func (f *Feed) CurrentFix(ctx context.Context) (model.GeoLocation, error) {
	since := f.now()

	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return model.GeoLocation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if f.latest != nil && !f.latest.Timestamp.Before(since) {
		fix := *f.latest
		f.mu.Unlock()
		return fix, nil
	}
	ch := make(chan model.GeoLocation, 1)
	f.waiters[ch] = since
	f.mu.Unlock()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case fix, ok := <-ch:
		if !ok {
			return model.GeoLocation{}, fmt.Errorf("%w: source failed", ErrUnavailable)
		}
		return fix, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	f.mu.Lock()
	delete(f.waiters, ch)
	f.mu.Unlock()

	// Publish may have delivered between the timeout and the removal.
	select {
	case fix, ok := <-ch:
		if ok {
			return fix, nil
		}
	default:
	}

	if err := ctx.Err(); err != nil {
		return model.GeoLocation{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return model.GeoLocation{}, fmt.Errorf("%w: no fix within %s", ErrUnavailable, f.timeout)
}

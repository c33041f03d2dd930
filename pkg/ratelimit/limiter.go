// Package ratelimit provides per-provider admission control: a dual
// fixed-window counter (per-second and per-minute) with asynchronous FIFO
// queued acquisition.
//
// Replenishment is a fixed-window reset, not an incremental leak: when a
// window boundary passes, the available count snaps back to full capacity.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/metrics"
	"github.com/inkwell-ai/inkwell/pkg/model"
)

// ErrAcquireCancelled is delivered to queued waiters drained by Reset.
var ErrAcquireCancelled = errors.New("acquire cancelled")

// Caps configures one provider's window capacities.
type Caps struct {
	PerSecond int
	PerMinute int
}

// Status is a point-in-time snapshot of one provider's window.
type Status struct {
	Provider             model.Provider
	Available            int
	QueueLength          int
	RequestsInLastMinute int
	LastGrantAt          time.Time
}

// waiter is one queued Acquire call. The grant (or a drain error) is
// delivered on done; the channel is buffered so the granting goroutine
// never blocks on a departed waiter.
type waiter struct {
	permits int
	done    chan error
	granted bool
}

// window holds one provider's counters and FIFO queue. One mutex guards
// everything; no lock is held across a channel send that could block.
type window struct {
	mu   sync.Mutex
	caps Caps

	availableSecond int
	availableMinute int
	lastSecondReset time.Time
	lastMinuteReset time.Time
	lastGrantAt     time.Time

	queue       []*waiter
	timerActive bool
}

// Limiter is the per-provider admission controller.
type Limiter struct {
	mu      sync.RWMutex
	windows map[model.Provider]*window
}

// New creates a limiter with the given per-provider capacities.
func New(caps map[model.Provider]Caps) *Limiter {
	l := &Limiter{windows: make(map[model.Provider]*window, len(caps))}
	now := time.Now()
	for p, c := range caps {
		l.windows[p] = &window{
			caps:            c,
			availableSecond: c.PerSecond,
			availableMinute: c.PerMinute,
			lastSecondReset: now,
			lastMinuteReset: now,
		}
	}
	return l
}

// Acquire grants permits against both windows of provider, suspending in
// FIFO order when a window is exhausted. It returns ctx.Err() if the caller
// cancels while queued, and ErrAcquireCancelled if the provider is reset.
func (l *Limiter) Acquire(ctx context.Context, provider model.Provider, permits int) error {
	if permits <= 0 {
		permits = 1
	}
	w, err := l.window(provider)
	if err != nil {
		return err
	}
	if permits > w.caps.PerSecond || permits > w.caps.PerMinute {
		return fmt.Errorf("permits %d exceed capacity of provider %q", permits, provider)
	}

	w.mu.Lock()
	now := time.Now()
	w.replenish(now)

	// Immediate grant only when nobody is queued ahead of us.
	if len(w.queue) == 0 && w.availableSecond >= permits && w.availableMinute >= permits {
		w.grant(permits, now)
		w.mu.Unlock()
		return nil
	}

	wt := &waiter{permits: permits, done: make(chan error, 1)}
	w.queue = append(w.queue, wt)
	w.scheduleWake(now)
	queueDepth := len(w.queue)
	w.mu.Unlock()

	metrics.SetLimiterQueueDepth(string(provider), queueDepth)
	enqueuedAt := now

	select {
	case err := <-wt.done:
		metrics.ObserveLimiterWait(string(provider), time.Since(enqueuedAt))
		return err
	case <-ctx.Done():
		w.mu.Lock()
		if wt.granted {
			// Raced with a grant: hand the tokens back and wake the queue,
			// otherwise the new head stalls until the next window boundary.
			w.availableSecond = min(w.availableSecond+permits, w.caps.PerSecond)
			w.availableMinute = min(w.availableMinute+permits, w.caps.PerMinute)
			w.wakeWaiters(time.Now())
		} else {
			w.remove(wt)
		}
		w.mu.Unlock()
		return ctx.Err()
	}
}

// GetStatus returns a snapshot of provider's window.
func (l *Limiter) GetStatus(provider model.Provider) (Status, error) {
	w, err := l.window(provider)
	if err != nil {
		return Status{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replenish(time.Now())
	available := w.availableSecond
	if w.availableMinute < available {
		available = w.availableMinute
	}
	return Status{
		Provider:             provider,
		Available:            available,
		QueueLength:          len(w.queue),
		RequestsInLastMinute: w.caps.PerMinute - w.availableMinute,
		LastGrantAt:          w.lastGrantAt,
	}, nil
}

// Statuses snapshots every configured provider, sorted by name. Used for
// health reporting.
func (l *Limiter) Statuses() []Status {
	l.mu.RLock()
	providers := make([]model.Provider, 0, len(l.windows))
	for p := range l.windows {
		providers = append(providers, p)
	}
	l.mu.RUnlock()
	slices.Sort(providers)

	out := make([]Status, 0, len(providers))
	for _, p := range providers {
		if status, err := l.GetStatus(p); err == nil {
			out = append(out, status)
		}
	}
	return out
}

// Reset restores provider's windows to full capacity and drains queued
// waiters with ErrAcquireCancelled. An empty provider resets every window.
func (l *Limiter) Reset(provider model.Provider) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for p, w := range l.windows {
		if provider != "" && p != provider {
			continue
		}
		w.mu.Lock()
		now := time.Now()
		w.availableSecond = w.caps.PerSecond
		w.availableMinute = w.caps.PerMinute
		w.lastSecondReset = now
		w.lastMinuteReset = now
		drained := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, wt := range drained {
			wt.done <- ErrAcquireCancelled
		}
		if len(drained) > 0 {
			slog.Info("Rate limiter reset drained waiters",
				"provider", p, "count", len(drained))
		}
		metrics.SetLimiterQueueDepth(string(p), 0)
	}
}

// Penalize treats provider's per-second window as exhausted for the next
// second. Called when the provider itself reports external throttling.
func (l *Limiter) Penalize(provider model.Provider) {
	w, err := l.window(provider)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.availableSecond = 0
	w.lastSecondReset = time.Now()
	w.scheduleWake(w.lastSecondReset)
	w.mu.Unlock()
	slog.Debug("Rate limiter penalized provider", "provider", provider)
}

func (l *Limiter) window(provider model.Provider) (*window, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.windows[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return w, nil
}

// replenish snaps exhausted windows back to capacity once their boundary
// has passed. Caller holds w.mu.
func (w *window) replenish(now time.Time) {
	if now.Sub(w.lastSecondReset) >= time.Second {
		w.availableSecond = w.caps.PerSecond
		w.lastSecondReset = now
	}
	if now.Sub(w.lastMinuteReset) >= time.Minute {
		w.availableMinute = w.caps.PerMinute
		w.lastMinuteReset = now
	}
}

// grant deducts permits from both windows. Caller holds w.mu.
func (w *window) grant(permits int, now time.Time) {
	w.availableSecond -= permits
	w.availableMinute -= permits
	w.lastGrantAt = now
}

// wakeWaiters grants queued waiters head-first until the head no longer
// fits. Grants never skip the head, preserving FIFO. Caller holds w.mu.
func (w *window) wakeWaiters(now time.Time) {
	for len(w.queue) > 0 {
		head := w.queue[0]
		if w.availableSecond < head.permits || w.availableMinute < head.permits {
			return
		}
		w.grant(head.permits, now)
		head.granted = true
		head.done <- nil
		w.queue = w.queue[1:]
	}
}

// remove drops a cancelled waiter from the queue. Caller holds w.mu.
func (w *window) remove(wt *waiter) {
	for i, q := range w.queue {
		if q == wt {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
}

// scheduleWake arms a one-shot reclaimer for the next window boundary.
// Caller holds w.mu.
func (w *window) scheduleWake(now time.Time) {
	if w.timerActive || len(w.queue) == 0 {
		return
	}
	next := w.lastSecondReset.Add(time.Second)
	if minuteNext := w.lastMinuteReset.Add(time.Minute); w.availableMinute == 0 && minuteNext.After(next) {
		// Second window alone cannot unblock the head; wait for the minute.
		next = minuteNext
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	w.timerActive = true
	time.AfterFunc(delay, w.onWake)
}

// onWake is the background reclaimer tick.
func (w *window) onWake() {
	w.mu.Lock()
	w.timerActive = false
	now := time.Now()
	w.replenish(now)
	w.wakeWaiters(now)
	if len(w.queue) > 0 {
		w.scheduleWake(now)
	}
	w.mu.Unlock()
}

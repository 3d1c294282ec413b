package endpoint

import (
	"net"
	"sync/atomic"
	"time"
)

// OfflineCause describes why an endpoint is currently considered
// unreachable, ported from DockerServiceImpl's OfflineCause/AtomicReference
// pair. An endpoint is online iff the slot is empty.
type OfflineCause struct {
	FirstObserved   time.Time
	CooldownDeadline time.Time
	Cooldown        time.Duration
	LastError       error
}

// isActual reports whether cooldown has not yet elapsed.
func (c *OfflineCause) isActual(now time.Time) bool {
	return now.Before(c.CooldownDeadline)
}

// offlineTracker holds the single offline-cause slot for one endpoint,
// updated via compare-and-set so concurrent failure reports collapse into
// one increasing cooldown (§5's ordering guarantee).
type offlineTracker struct {
	ref        atomic.Pointer[OfflineCause]
	maxTimeout time.Duration
	onOnline   func()
	onOffline  func(*OfflineCause)
}

func newOfflineTracker(maxTimeout time.Duration, onOnline func(), onOffline func(*OfflineCause)) *offlineTracker {
	return &offlineTracker{maxTimeout: maxTimeout, onOnline: onOnline, onOffline: onOffline}
}

// checkBeforeCall returns the current cause if the endpoint is within its
// cooldown, so the caller can fail fast without touching the network.
func (t *offlineTracker) checkBeforeCall(now time.Time) *OfflineCause {
	cause := t.ref.Load()
	if cause != nil && cause.isActual(now) {
		return cause
	}
	return nil
}

// recordSuccess clears the slot and fires ONLINE if it was occupied.
func (t *offlineTracker) recordSuccess() {
	old := t.ref.Swap(nil)
	if old != nil && t.onOnline != nil {
		t.onOnline()
	}
}

// recordFailure classifies err; only connect/socket/timeout failures toggle
// offline state. Non-connectivity failures (decoded 4xx/5xx) must not call
// this.
func (t *offlineTracker) recordFailure(err error) {
	if !isConnectivityError(err) {
		return
	}
	now := time.Now()
	for {
		old := t.ref.Load()
		cooldown := fastTimeoutMs
		if old != nil {
			cooldown = old.Cooldown * 2
			if cooldown > t.maxTimeout {
				cooldown = t.maxTimeout
			}
		}
		updated := &OfflineCause{
			FirstObserved: firstObservedOf(old, now),
			CooldownDeadline: now.Add(cooldown),
			Cooldown:      cooldown,
			LastError:     err,
		}
		if t.ref.CompareAndSwap(old, updated) {
			if old == nil && t.onOffline != nil {
				t.onOffline(updated)
			}
			return
		}
		// someone else updated concurrently; retry against the new value
	}
}

func firstObservedOf(old *OfflineCause, now time.Time) time.Time {
	if old != nil {
		return old.FirstObserved
	}
	return now
}

// isConnectivityError reports whether err is a Transport-class failure
// (connect/socket/timeout) as opposed to a decoded Protocol error.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ne, ok := err.(net.Error); ok {
		netErr = ne
		_ = netErr
		return true
	}
	var opErr *net.OpError
	if asOpError(err, &opErr) {
		return true
	}
	return false
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

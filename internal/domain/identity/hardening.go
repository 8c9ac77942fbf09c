package identity

import (
	"sync"
	"time"

	"antigravity-manager/internal/domain/eventbus"
	"antigravity-manager/internal/platform/errors"
)

// Hardening tracks consecutive apply failures and trips a temporary safe
// mode once the threshold is reached. While safe mode is active, profile
// application is suppressed unless the operator forces it.
type Hardening struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration

	consecutive  int
	safeUntil    time.Time
	lastReason   errors.Reason
	lastStage    string
	lastFailedAt time.Time
	totalFails   int
}

// HardeningSnapshot is a point-in-time copy safe to serialize.
type HardeningSnapshot struct {
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	TotalFailures       int           `json:"totalFailures"`
	SafeMode            bool          `json:"safeMode"`
	SafeModeUntil       *time.Time    `json:"safeModeUntil,omitempty"`
	LastReason          errors.Reason `json:"lastReason,omitempty"`
	LastStage           string        `json:"lastStage,omitempty"`
	LastFailedAt        *time.Time    `json:"lastFailedAt,omitempty"`
}

func NewHardening(threshold int, window time.Duration) *Hardening {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Hardening{threshold: threshold, window: window}
}

// RecordFailure counts one failed apply. Crossing the threshold arms safe
// mode for the configured window.
func (h *Hardening) RecordFailure(reason errors.Reason, stage string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutive++
	h.totalFails++
	h.lastReason = reason
	h.lastStage = stage
	h.lastFailedAt = time.Now()

	if h.consecutive >= h.threshold {
		armed := h.safeUntil.IsZero()
		h.safeUntil = time.Now().Add(h.window)
		if armed {
			until := h.safeUntil
			eventbus.PublishAsync(eventbus.EventProfileSafeMode, eventbus.IdentityEventData{
				Stage:     stage,
				Reason:    string(reason),
				SafeUntil: &until,
			})
		}
	}
}

// RecordNonFatal notes a failure that did not abort the apply, such as a
// last-known-good snapshot refresh going wrong after a verified write. It
// shows up in the stats but never pushes towards safe mode.
func (h *Hardening) RecordNonFatal(reason errors.Reason, stage string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalFails++
	h.lastReason = reason
	h.lastStage = stage
	h.lastFailedAt = time.Now()
}

// RecordSuccess resets the consecutive counter and clears safe mode.
func (h *Hardening) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	h.safeUntil = time.Time{}
}

// SafeModeActive reports whether safe mode is currently in force. Expiry is
// evaluated lazily on read.
func (h *Hardening) SafeModeActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.safeModeActiveLocked()
}

func (h *Hardening) safeModeActiveLocked() bool {
	if h.safeUntil.IsZero() {
		return false
	}
	if time.Now().After(h.safeUntil) {
		h.safeUntil = time.Time{}
		h.consecutive = 0
		return false
	}
	return true
}

// Snapshot returns the current hardening state.
func (h *Hardening) Snapshot() HardeningSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HardeningSnapshot{
		ConsecutiveFailures: h.consecutive,
		TotalFailures:       h.totalFails,
		SafeMode:            h.safeModeActiveLocked(),
		LastReason:          h.lastReason,
		LastStage:           h.lastStage,
	}
	if snap.SafeMode {
		until := h.safeUntil
		snap.SafeModeUntil = &until
	}
	if !h.lastFailedAt.IsZero() {
		at := h.lastFailedAt
		snap.LastFailedAt = &at
	}
	return snap
}

package switchsvc

import (
	"sync"
	"time"

	"antigravity-manager/internal/platform/errors"
)

// Metrics counts switch outcomes per owner and per failure reason.
type Metrics struct {
	mu sync.Mutex

	byOwner  map[Owner]*ownerCounters
	reasons  map[errors.Reason]int64
	last     *FailureRecord
	totalDur time.Duration
	success  int64
	failure  int64

	rollbackAttempted int64
	rollbackSucceeded int64
	rollbackFailed    int64
}

type ownerCounters struct {
	Attempts  int64 `json:"attempts"`
	Success   int64 `json:"success"`
	Failure   int64 `json:"failure"`
	Rollbacks int64 `json:"rollbacks"`
}

// FailureRecord captures the most recent failed switch.
type FailureRecord struct {
	Reason errors.Reason `json:"reason"`
	Stage  string        `json:"stage"`
	Label  string        `json:"label"`
	At     time.Time     `json:"at"`
}

// MetricsSnapshot is a copy safe to serialize.
type MetricsSnapshot struct {
	Total         int64                     `json:"total"`
	Success       int64                     `json:"success"`
	Failure       int64                     `json:"failure"`
	AvgDurationMs int64                     `json:"avg_duration_ms"`
	ByOwner       map[Owner]ownerCounters   `json:"by_owner"`
	Reasons       map[errors.Reason]int64   `json:"reasons"`
	LastFailure   *FailureRecord            `json:"last_failure,omitempty"`

	RollbackAttempted int64 `json:"rollback_attempted"`
	RollbackSucceeded int64 `json:"rollback_succeeded"`
	RollbackFailed    int64 `json:"rollback_failed"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		byOwner: map[Owner]*ownerCounters{},
		reasons: map[errors.Reason]int64{},
	}
}

func (m *Metrics) owner(o Owner) *ownerCounters {
	c := m.byOwner[o]
	if c == nil {
		c = &ownerCounters{}
		m.byOwner[o] = c
	}
	return c
}

func (m *Metrics) RecordSuccess(owner Owner, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.success++
	m.totalDur += duration
	c := m.owner(owner)
	c.Attempts++
	c.Success++
}

func (m *Metrics) RecordFailure(owner Owner, reason errors.Reason, stage, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure++
	m.reasons[reason]++
	c := m.owner(owner)
	c.Attempts++
	c.Failure++
	m.last = &FailureRecord{Reason: reason, Stage: stage, Label: label, At: time.Now()}
}

// RecordRollback counts a rollback that ran after a failed profile apply.
func (m *Metrics) RecordRollback(owner Owner, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackAttempted++
	if succeeded {
		m.rollbackSucceeded++
	} else {
		m.rollbackFailed++
	}
	m.owner(owner).Rollbacks++
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Total:   m.success + m.failure,
		Success: m.success,
		Failure: m.failure,
		ByOwner: make(map[Owner]ownerCounters, len(m.byOwner)),
		Reasons: make(map[errors.Reason]int64, len(m.reasons)),
	}
	snap.RollbackAttempted = m.rollbackAttempted
	snap.RollbackSucceeded = m.rollbackSucceeded
	snap.RollbackFailed = m.rollbackFailed
	if m.success > 0 {
		snap.AvgDurationMs = (m.totalDur / time.Duration(m.success)).Milliseconds()
	}
	for o, c := range m.byOwner {
		snap.ByOwner[o] = *c
	}
	for r, n := range m.reasons {
		snap.Reasons[r] = n
	}
	if m.last != nil {
		last := *m.last
		snap.LastFailure = &last
	}
	return snap
}

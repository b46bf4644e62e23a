package purchase

import (
	"sync"
	"time"

	"airtimebridge/internal/common/money"
)

// FloatLevel is the admission state derived from the aggregator balance.
type FloatLevel int

const (
	FloatNormal FloatLevel = iota
	FloatLow
	FloatCritical
)

func (l FloatLevel) String() string {
	switch l {
	case FloatLow:
		return "low"
	case FloatCritical:
		return "critical"
	default:
		return "normal"
	}
}

// FloatThresholds configures the monitor. A level is entered at or below its
// threshold and left only above threshold + Hysteresis.
type FloatThresholds struct {
	Low        money.Money
	Critical   money.Money
	Hysteresis money.Money
}

// FloatMonitor holds the last observed float balance and the admission level.
// It is safe for concurrent use.
type FloatMonitor struct {
	mu         sync.RWMutex
	thresholds FloatThresholds
	level      FloatLevel
	balance    money.Money
	observedAt time.Time
}

// NewFloatMonitor starts in FloatNormal until the first observation.
func NewFloatMonitor(t FloatThresholds) *FloatMonitor {
	return &FloatMonitor{thresholds: t}
}

// Observe records a balance and returns the level before and after it.
func (m *FloatMonitor) Observe(balance money.Money, at time.Time) (prev, next FloatLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev = m.level
	m.level = m.nextLevel(prev, balance.AmountMinor)
	m.balance = balance
	m.observedAt = at
	return prev, m.level
}

func (m *FloatMonitor) nextLevel(cur FloatLevel, b int64) FloatLevel {
	crit := m.thresholds.Critical.AmountMinor
	low := m.thresholds.Low.AmountMinor
	buf := m.thresholds.Hysteresis.AmountMinor

	switch {
	case b <= crit:
		return FloatCritical
	case cur == FloatCritical && b <= crit+buf:
		return FloatCritical
	case b <= low:
		return FloatLow
	case cur != FloatNormal && b <= low+buf:
		return FloatLow
	}
	return FloatNormal
}

// AdmissionOpen is false while the float is critical.
func (m *FloatMonitor) AdmissionOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level != FloatCritical
}

// Level returns the current level.
func (m *FloatMonitor) Level() FloatLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Snapshot returns the last observed balance and when it was observed.
func (m *FloatMonitor) Snapshot() (money.Money, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, m.observedAt
}

package progress

import (
	"math"
	"sync"
	"time"
)

// minWindow is the shortest interval folded into the rate estimate. Bytes
// arriving faster than this accumulate into the next window instead of
// producing a spike from a near-zero divisor.
const minWindow = 10 * time.Millisecond

// Meter tracks byte progress of one transfer and computes an exponentially
// smoothed rate.
type Meter struct {
	mu       sync.Mutex
	total    int64
	done     int64
	lastAt   time.Time
	lastDone int64
	rateBps  float64
	hasRate  bool
	alpha    float64
	now      func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter. done is the number of bytes already present, for
// example from a resumed transfer; they count as completed but not towards
// the rate.
func (m *Meter) Start(total, done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.done = done
	m.lastDone = done
	m.lastAt = m.now()
	m.rateBps = 0
	m.hasRate = false
}

// Add records n newly transferred bytes.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	now := m.now()
	elapsed := now.Sub(m.lastAt)
	if elapsed < minWindow {
		return
	}
	inst := float64(m.done-m.lastDone) / elapsed.Seconds()
	if !m.hasRate {
		m.rateBps = inst
		m.hasRate = true
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns the current sample. Speed is +Inf until a full window has
// been measured.
func (m *Meter) Snapshot() DownloadProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	speed := math.Inf(1)
	if m.hasRate {
		speed = m.rateBps
	}
	return DownloadProgress{Size: m.total, Completed: m.done, Speed: speed}
}

package transfer

import (
	"sync"
	"time"
)

type speedSample struct {
	at    time.Time
	total int64
}

// SpeedMeter measures throughput over a sliding window from cumulative byte
// counts. One sample older than the window is kept as the anchor so the
// rate covers the whole window.
type SpeedMeter struct {
	mu      sync.Mutex
	window  time.Duration
	minGap  time.Duration
	samples []speedSample
}

func NewSpeedMeter(window time.Duration) *SpeedMeter {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &SpeedMeter{window: window, minGap: window / 50}
}

// Record notes that total bytes had moved at time at. Samples closer than
// minGap collapse into one.
func (m *SpeedMeter) Record(at time.Time, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.samples)
	if n >= 2 && at.Sub(m.samples[n-2].at) < m.minGap {
		m.samples[n-1] = speedSample{at: at, total: total}
	} else {
		m.samples = append(m.samples, speedSample{at: at, total: total})
	}
	m.trim(at)
}

func (m *SpeedMeter) trim(now time.Time) {
	cutoff := now.Add(-m.window)
	drop := 0
	for drop+1 < len(m.samples) && !m.samples[drop+1].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		m.samples = append(m.samples[:0], m.samples[drop:]...)
	}
}

// Rate returns bytes per second as of now. It decays toward zero while no
// bytes arrive.
func (m *SpeedMeter) Rate(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trim(now)
	if len(m.samples) < 2 {
		return 0
	}

	anchor := m.samples[0]
	last := m.samples[len(m.samples)-1]
	elapsed := now.Sub(anchor.at)
	if elapsed <= 0 {
		return 0
	}
	return float64(last.total-anchor.total) / elapsed.Seconds()
}

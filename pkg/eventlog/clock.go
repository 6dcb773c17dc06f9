package eventlog

import "time"

// DefaultEpoch is the simulated instant of tick 0.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultTickInterval is the simulated time between ticks.
const DefaultTickInterval = time.Second

// Clock maps a simulation tick to a timestamp.
type Clock interface {
	TickTime(tick int) time.Time
}

// SimClock derives timestamps from the tick number alone, so two runs of
// the same seed stamp identical times on records and events.
type SimClock struct {
	Epoch    time.Time
	Interval time.Duration
}

// NewSimClock returns a SimClock. A zero epoch or interval falls back to
// DefaultEpoch and DefaultTickInterval.
func NewSimClock(epoch time.Time, interval time.Duration) SimClock {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return SimClock{Epoch: epoch.UTC(), Interval: interval}
}

// TickTime implements Clock.
func (c SimClock) TickTime(tick int) time.Time {
	return c.Epoch.Add(time.Duration(tick) * c.Interval)
}

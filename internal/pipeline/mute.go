package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MuteSwitch silences notifications until a deadline. It lives outside
// the notification worker so a mute survives worker restarts.
type MuteSwitch struct {
	mu    sync.Mutex
	clock clock.Clock
	until time.Time
}

// NewMuteSwitch builds an unmuted switch.
func NewMuteSwitch(clk clock.Clock) *MuteSwitch {
	return &MuteSwitch{clock: clk}
}

// MuteFor silences notifications for the given duration, replacing any
// earlier deadline, and returns the new deadline. Non-positive
// durations unmute.
func (m *MuteSwitch) MuteFor(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		m.until = time.Time{}
	} else {
		m.until = m.clock.Now().Add(d)
	}
	return m.until
}

// Unmute lifts the mute immediately.
func (m *MuteSwitch) Unmute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until = time.Time{}
}

// Muted reports whether notifications are currently silenced.
func (m *MuteSwitch) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Before(m.until)
}

// MutedUntil returns the mute deadline, zero when unmuted.
func (m *MuteSwitch) MutedUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.clock.Now().Before(m.until) {
		return time.Time{}
	}
	return m.until
}

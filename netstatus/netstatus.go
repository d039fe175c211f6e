// Package netstatus tracks what the device currently knows about its
// network: link speed, overall reachability and the observed health
// of individual servers. Sessions subscribe to drive themselves up
// or down, the picker reads it to size requests.
package netstatus

import (
	"sync"
	"time"
)

// Speed is the coarse class of the active link.
type Speed int

const (
	SpeedWiFi Speed = iota
	SpeedCellFast
	SpeedCellSlow
)

// Quality is the observed health of one server.
type Quality int

const (
	QualityOK Quality = iota
	QualityDegraded
	QualityUnusable
)

// Structs

// Change is delivered to subscribers whenever reachability flips.
type Change struct {
	Up bool
}

// Monitor is the process-wide network status registry.
type Monitor struct {
	mu      sync.RWMutex
	speed   Speed
	up      bool
	quality map[string]Quality
	limited map[string]time.Time
	subs    []func(Change)
}

// Functions

// NewMonitor returns a monitor that assumes an up WiFi link until
// told otherwise.
func NewMonitor() *Monitor {

	return &Monitor{
		speed:   SpeedWiFi,
		up:      true,
		quality: make(map[string]Quality),
		limited: make(map[string]time.Time),
	}
}

// Subscribe registers fn for reachability changes. fn runs on the
// goroutine reporting the change and must not block.
func (m *Monitor) Subscribe(fn func(Change)) {

	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// SetUp reports overall reachability and notifies subscribers on a
// flip.
func (m *Monitor) SetUp(up bool) {

	m.mu.Lock()

	if m.up == up {
		m.mu.Unlock()
		return
	}

	m.up = up
	subs := make([]func(Change), len(m.subs))
	copy(subs, m.subs)

	m.mu.Unlock()

	for _, fn := range subs {
		fn(Change{Up: up})
	}
}

// Up reports overall reachability.
func (m *Monitor) Up() bool {

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.up
}

// SetSpeed records the active link class.
func (m *Monitor) SetSpeed(speed Speed) {

	m.mu.Lock()
	m.speed = speed
	m.mu.Unlock()
}

// CurrentSpeed returns the active link class.
func (m *Monitor) CurrentSpeed() Speed {

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.speed
}

// ReportQuality records the observed health of one server.
func (m *Monitor) ReportQuality(server string, q Quality) {

	m.mu.Lock()
	m.quality[server] = q
	m.mu.Unlock()
}

// ServerQuality returns the observed health of one server, OK when
// nothing was ever reported.
func (m *Monitor) ServerQuality(server string) Quality {

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.quality[server]
}

// ReportRateLimited records that the server asked us to back off
// until the given time.
func (m *Monitor) ReportRateLimited(server string, until time.Time) {

	m.mu.Lock()
	m.limited[server] = until
	m.mu.Unlock()
}

// RateLimited reports whether the server's backoff window is still
// open at the given time.
func (m *Monitor) RateLimited(server string, now time.Time) bool {

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.limited[server].After(now)
}

package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRegistrationSpike AlertType = "registration_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter fires once its count within window reaches threshold, then
// starts over.
type slidingCounter struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.times = trimWindow(append(c.times, now), now, c.window)
	n := len(c.times)
	if n >= c.threshold {
		c.times = c.times[:0]
		return n, true
	}
	return n, false
}

// metricsCollector turns audit events into anomaly alerts.
type metricsCollector struct {
	mu            sync.Mutex
	loginFailures slidingCounter
	registrations slidingCounter
	alertFn       AlertFunc
	now           func() time.Time
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultRegistrationWindow    = 5 * time.Minute
	defaultRegistrationThreshold = 25
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginFailures: slidingCounter{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		registrations: slidingCounter{window: defaultRegistrationWindow, threshold: defaultRegistrationThreshold},
		alertFn:       alertFn,
		now:           time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.observe(&m.loginFailures, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditRegister:
		m.observe(&m.registrations, AlertRegistrationSpike, "registration rate exceeds threshold")
	}
}

func (m *metricsCollector) observe(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	n, fire := c.add(now)
	threshold := c.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

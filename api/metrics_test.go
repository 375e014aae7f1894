package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCollector(alerts *[]AlertEvent) (*metricsCollector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newMetricsCollector(func(e AlertEvent) { *alerts = append(*alerts, e) })
	m.now = clock.now
	return m, clock
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	var alerts []AlertEvent
	m, _ := newTestCollector(&alerts)
	m.loginFailures.threshold = 5

	for range 4 {
		m.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, alerts)

	m.recordEvent(AuditLoginFailure)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestRegistrationSpikeAlert(t *testing.T) {
	var alerts []AlertEvent
	m, _ := newTestCollector(&alerts)
	m.registrations.threshold = 3

	m.recordEvent(AuditRegister)
	m.recordEvent(AuditLoginSuccess)
	m.recordEvent(AuditRegister)
	assert.Empty(t, alerts)
	m.recordEvent(AuditRegister)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRegistrationSpike, alerts[0].Type)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	var alerts []AlertEvent
	m, clock := newTestCollector(&alerts)
	m.loginFailures.threshold = 5

	for range 4 {
		m.recordEvent(AuditLoginFailure)
	}
	clock.advance(defaultLoginFailureWindow + time.Second)
	m.recordEvent(AuditLoginFailure)
	assert.Empty(t, alerts, "failures outside the window do not count")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	var alerts []AlertEvent
	m, _ := newTestCollector(&alerts)
	m.loginFailures.threshold = 3

	for range 3 {
		m.recordEvent(AuditLoginFailure)
	}
	require.Len(t, alerts, 1)

	for range 2 {
		m.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, alerts, 1)
	m.recordEvent(AuditLoginFailure)
	assert.Len(t, alerts, 2)
}

func TestMetricsWithoutCallback(t *testing.T) {
	newMetricsCollector(nil).recordEvent(AuditLoginFailure)
	var m *metricsCollector
	m.recordEvent(AuditLoginFailure)
}

package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike   AlertType = "auth_failure_spike"
	AlertKeyMaterialChurn   AlertType = "key_material_churn"
	AlertRecoveryReadSpike  AlertType = "recovery_read_spike"
	AlertRateLimitSaturated AlertType = "rate_limit_saturated"
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

// slidingCounter counts events inside a trailing time window.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
	message   string
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu       sync.Mutex
	counters map[AlertType]*slidingCounter
	alertFn  AlertFunc
	now      func() time.Time
}

const (
	defaultAuthFailureWindow     = 1 * time.Minute
	defaultAuthFailureThreshold  = 50
	defaultKeyMaterialWindow     = 5 * time.Minute
	defaultKeyMaterialThreshold  = 20
	defaultRecoveryReadWindow    = 5 * time.Minute
	defaultRecoveryReadThreshold = 30
	defaultRateLimitWindow       = 1 * time.Minute
	defaultRateLimitThreshold    = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		counters: map[AlertType]*slidingCounter{
			AlertAuthFailureSpike: {
				window:    defaultAuthFailureWindow,
				threshold: defaultAuthFailureThreshold,
				message:   "authentication failure rate exceeds threshold",
			},
			AlertKeyMaterialChurn: {
				window:    defaultKeyMaterialWindow,
				threshold: defaultKeyMaterialThreshold,
				message:   "key material replacement rate exceeds threshold",
			},
			AlertRecoveryReadSpike: {
				window:    defaultRecoveryReadWindow,
				threshold: defaultRecoveryReadThreshold,
				message:   "recovery wrap read rate exceeds threshold",
			},
			AlertRateLimitSaturated: {
				window:    defaultRateLimitWindow,
				threshold: defaultRateLimitThreshold,
				message:   "rate-limited request count exceeds threshold",
			},
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// alertFor maps audit events to the counter they feed.
func alertFor(event AuditEvent) (AlertType, bool) {
	switch event {
	case AuditAuthFailure:
		return AlertAuthFailureSpike, true
	case AuditKeyMaterialReplaced:
		return AlertKeyMaterialChurn, true
	case AuditRecoveryWrapRead:
		return AlertRecoveryReadSpike, true
	case AuditRateLimited:
		return AlertRateLimitSaturated, true
	}
	return "", false
}

// recordEvent inspects an audit event and updates the relevant counter.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	typ, ok := alertFor(event)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[typ]
	now := m.now()
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)

	if len(c.events) >= c.threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   c.message,
			Count:     len(c.events),
			Threshold: c.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		c.events = c.events[:0]
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

package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// Severity classifies an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a single (severity, source, message, timestamp) notice.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s: %s", a.Severity, a.Source, a.Message)
}

// AlertSink accepts alerts. Raise is fire-and-forget: implementations must not
// block the caller on network I/O and must not return errors to it.
type AlertSink interface {
	Raise(Alert)
}

// LogAlertSink writes alerts through Logf.
type LogAlertSink struct{}

// Raise logs the alert.
func (LogAlertSink) Raise(a Alert) {
	Logf("[alert] %s", a)
}

// MultiAlertSink fans an alert out to every configured sink.
type MultiAlertSink []AlertSink

// Raise forwards the alert to each sink in order.
func (m MultiAlertSink) Raise(a Alert) {
	for _, s := range m {
		if s != nil {
			s.Raise(a)
		}
	}
}

// RecordingAlertSink keeps every alert in memory. It is used by tests and the
// dev-mode status summary.
type RecordingAlertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

// Raise records the alert.
func (r *RecordingAlertSink) Raise(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *RecordingAlertSink) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// BySeverity returns the recorded alerts of one severity.
func (r *RecordingAlertSink) BySeverity(s Severity) []Alert {
	var out []Alert
	for _, a := range r.Alerts() {
		if a.Severity == s {
			out = append(out, a)
		}
	}
	return out
}

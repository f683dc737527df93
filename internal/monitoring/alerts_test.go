package monitoring

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return fakeToken{}
}

func TestMQTTAlertSink_Raise(t *testing.T) {
	pub := &fakePublisher{}
	sink := newMQTTAlertSink(pub, "site/alerts/")

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.Raise(Alert{Severity: SeverityCritical, Source: "camera/cam-1", Message: "offline", Timestamp: ts})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "site/alerts/critical", pub.msgs[0].topic)
	assert.Equal(t, byte(0), pub.msgs[0].qos)

	var got Alert
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &got))
	assert.Equal(t, SeverityCritical, got.Severity)
	assert.Equal(t, "camera/cam-1", got.Source)
	assert.True(t, ts.Equal(got.Timestamp))
}

func TestMQTTAlertSink_DefaultPrefix(t *testing.T) {
	pub := &fakePublisher{}
	newMQTTAlertSink(pub, "").Raise(Alert{Severity: SeverityWarning})
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "headcount/alerts/warning", pub.msgs[0].topic)
}

func TestMultiAlertSink_FansOut(t *testing.T) {
	a, b := &RecordingAlertSink{}, &RecordingAlertSink{}
	MultiAlertSink{a, nil, b}.Raise(Alert{Severity: SeverityInfo, Message: "recovered"})

	assert.Len(t, a.Alerts(), 1)
	assert.Len(t, b.Alerts(), 1)
	assert.Len(t, a.BySeverity(SeverityInfo), 1)
	assert.Empty(t, a.BySeverity(SeverityCritical))
}

func TestNewMQTTAlertSink_RequiresBroker(t *testing.T) {
	_, _, err := NewMQTTAlertSink(MQTTConfig{})
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.FrameRead("cam")
	m.BufferDepth(3)
	m.Lookup("match")
	assert.Nil(t, m.Registry())
}

func TestMetrics_Registers(t *testing.T) {
	m := NewMetrics()
	m.Crossing("cam-1", "IN")
	m.QualityRejection("cam-1", "small")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["headcount_crossings_total"])
	assert.True(t, names["headcount_face_quality_rejections_total"])
}

func TestMetrics_Sum(t *testing.T) {
	m := NewMetrics()
	m.Crossing("cam-1", "IN")
	m.Crossing("cam-1", "OUT")
	m.Crossing("cam-2", "IN")
	m.BufferDepth(42)

	assert.Equal(t, 3.0, m.Sum("headcount_crossings_total"))
	assert.Equal(t, 42.0, m.Sum("headcount_publisher_buffer_depth"))
	assert.Equal(t, 0.0, m.Sum("headcount_unknown"))

	var nilMetrics *Metrics
	assert.Equal(t, 0.0, nilMetrics.Sum("headcount_crossings_total"))
}

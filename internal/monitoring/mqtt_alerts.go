package monitoring

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT alert sink.
type MQTTConfig struct {
	BrokerURL   string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // alerts are published to <prefix>/<severity>
	ConnectWait time.Duration
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTAlertSink publishes alerts as JSON to an MQTT broker with QoS 0.
// Publishing never waits for the broker acknowledgement.
type MQTTAlertSink struct {
	client mqttPublisher
	prefix string
}

// NewMQTTAlertSink connects to the broker and returns a sink. The paho client
// reconnects on its own after the initial connection succeeds.
func NewMQTTAlertSink(cfg MQTTConfig) (*MQTTAlertSink, mqtt.Client, error) {
	if cfg.BrokerURL == "" {
		return nil, nil, fmt.Errorf("mqtt alerts: broker url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "headcount-alerts"
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		Logf("[alerts] mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectWait) {
		Logf("[alerts] mqtt broker %s not reachable yet, retrying in background", cfg.BrokerURL)
	} else if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt alerts: connect %s: %w", cfg.BrokerURL, err)
	}

	return newMQTTAlertSink(client, cfg.TopicPrefix), client, nil
}

func newMQTTAlertSink(client mqttPublisher, prefix string) *MQTTAlertSink {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "headcount/alerts"
	}
	return &MQTTAlertSink{client: client, prefix: prefix}
}

// Raise publishes the alert.
func (s *MQTTAlertSink) Raise(a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		Logf("[alerts] failed to encode alert: %v", err)
		return
	}
	topic := s.prefix + "/" + strings.ToLower(string(a.Severity))
	s.client.Publish(topic, 0, false, payload)
}

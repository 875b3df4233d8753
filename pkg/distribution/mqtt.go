package distribution

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	// defaultTopicPrefix namespaces event topics when the config provides
	// no explicit topic map.
	defaultTopicPrefix = "eyetracking"

	mqttConnectTimeout = 5 * time.Second
	mqttKeepAlive      = 30 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// mqttDistributor publishes each event to a per-kind topic.
type mqttDistributor struct {
	name string
	cfg  Config

	client mqtt.Client
}

func newMQTTDistributor(cfg Config) *mqttDistributor {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "synopticon-" + uuid.NewString()[:8]
	}

	return &mqttDistributor{name: cfg.Name, cfg: cfg}
}

func (d *mqttDistributor) Name() string { return d.name }
func (d *mqttDistributor) Kind() Kind   { return KindMQTT }

func (d *mqttDistributor) Open(_ context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(d.cfg.BrokerURL).
		SetClientID(d.cfg.ClientID).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout after %s", d.cfg.BrokerURL, mqttConnectTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", d.cfg.BrokerURL, err)
	}

	d.client = client

	return nil
}

func (d *mqttDistributor) Close(_ context.Context) error {
	if d.client == nil {
		return nil
	}

	d.client.Disconnect(uint(wsShutdownTimeout.Milliseconds()))
	d.client = nil

	return nil
}

func (d *mqttDistributor) Send(eventKind string, payload []byte, _ SendOptions) (SendResult, error) {
	if d.client == nil {
		return SendResult{}, ErrClosed
	}

	topic := d.topicFor(eventKind)

	token := d.client.Publish(topic, d.cfg.QoS, d.cfg.Retain, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return SendResult{}, fmt.Errorf("mqtt publish to %s: timeout", topic)
	}

	if err := token.Error(); err != nil {
		return SendResult{}, fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	return SendResult{BytesSent: len(payload), ClientsReached: 1}, nil
}

// topicFor maps an event kind through the explicit topic map, falling back
// to prefix/kind.
func (d *mqttDistributor) topicFor(eventKind string) string {
	if topic, ok := d.cfg.Topics[eventKind]; ok {
		return topic
	}

	return d.cfg.TopicPrefix + "/" + eventKind
}

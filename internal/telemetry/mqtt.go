package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/reconcile"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectWait = 250 // milliseconds
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// client is the part of mqtt.Client the publisher uses
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

var newClient = func(opts *mqtt.ClientOptions) client {
	return mqtt.NewClient(opts)
}

// MQTTPublisher announces set-point changes on <topic>/<room>
type MQTTPublisher struct {
	client client
	topic  string
}

// NewMQTTPublisher connects to the configured broker
func NewMQTTPublisher(cfg engine.MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)

	c := newClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// stop the attempt still running in the background
		c.Disconnect(0)
		return nil, fmt.Errorf("connecting to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}

	return &MQTTPublisher{client: c, topic: cfg.Topic}, nil
}

// Topic returns the topic used for a room
func (p *MQTTPublisher) Topic(room string) string {
	return strings.TrimRight(p.topic, "/") + "/" + strings.ToLower(room)
}

// Publish sends the outcome as JSON with QoS 0
func (p *MQTTPublisher) Publish(o reconcile.Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshalling outcome: %w", err)
	}

	token := p.client.Publish(p.Topic(o.Room), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectWait)
}

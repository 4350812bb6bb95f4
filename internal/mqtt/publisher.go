package mqtt

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// Milliseconds paho waits for in-flight messages on disconnect.
	disconnectQuiesce = 250
)

// Publisher drives the robot's power line over MQTT. The receiving end
// expects the literal payloads "ON" and "OFF".
type Publisher struct {
	cfg config.MQTTConfig

	mu     sync.Mutex
	client paho.Client

	logger *zap.Logger
}

// NewPublisher prepares a publisher. Connect must succeed before the
// first publish.
func NewPublisher(cfg config.MQTTConfig) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: zap.L().Named("mqtt"),
	}
}

// Connect dials the broker, retrying with exponential backoff. Calling
// Connect on a live connection is a no-op.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)).
		SetClientID(p.cfg.ClientID).
		SetKeepAlive(p.cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	client := paho.NewClient(opts)
	connect := func() error {
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("connect timed out after %v", connectTimeout)
		}
		return token.Error()
	}
	if err := backoff.Retry(connect, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		return fmt.Errorf("connecting to broker %s:%d: %w", p.cfg.Broker, p.cfg.Port, err)
	}

	p.client = client
	p.logger.Info("connected to broker",
		zap.String("broker", p.cfg.Broker),
		zap.Int("port", p.cfg.Port),
		zap.String("client_id", p.cfg.ClientID))
	return nil
}

// Publish sends payload to the configured topic and waits for the broker
// to acknowledge it at the configured QoS.
func (p *Publisher) Publish(payload string) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return fmt.Errorf("not connected")
	}

	token := client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out after %v", p.cfg.Topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.cfg.Topic, err)
	}

	p.logger.Info("published",
		zap.String("topic", p.cfg.Topic),
		zap.String("payload", payload))
	return nil
}

// PowerOn tells the robot to power up.
func (p *Publisher) PowerOn() error { return p.Publish("ON") }

// PowerOff tells the robot to power down.
func (p *Publisher) PowerOff() error { return p.Publish("OFF") }

// Close disconnects from the broker, letting in-flight messages drain.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
		p.client = nil
	}
}

package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTT publishes each record to <prefix>/<name>.
type MQTT struct {
	cfg       MQTTConfig
	log       *logrus.Entry
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTT(cfg MQTTConfig, log *logrus.Entry) *MQTT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &MQTT{cfg: cfg, log: log.WithField("channel", "mqtt"), newClient: mqtt.NewClient}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Topic(name string) string {
	prefix := strings.TrimSuffix(m.cfg.TopicPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (m *MQTT) Send(ctx context.Context, name string, content []byte) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	token := client.Publish(m.Topic(name), m.cfg.QoS, false, content)
	if err := waitToken(ctx, token, m.cfg.Timeout); err != nil {
		return fmt.Errorf("%w: mqtt publish %s: %w", ErrTemporary, name, err)
	}
	m.log.WithField("topic", m.Topic(name)).Debug("Published record")
	return nil
}

func (m *MQTT) Verify(context.Context) error {
	_, err := m.connected()
	return err
}

func (m *MQTT) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
}

func (m *MQTT) connected() (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		return m.client, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetConnectTimeout(m.cfg.Timeout).
		SetAutoReconnect(true)
	client := m.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.Timeout) {
		return nil, fmt.Errorf("%w: mqtt connect %s: timeout", ErrTemporary, m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt connect %s: %w", ErrTemporary, m.cfg.Broker, err)
	}
	m.client = client
	return client, nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

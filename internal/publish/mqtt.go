package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	logx "sprinkler/pkg/logx"
)

const (
	connectTimeout = 10 * time.Second
	sendTimeout    = 5 * time.Second
)

var ErrNotConnected = errors.New("mqtt: not connected")

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// MQTT is a Client backed by a paho connection.
type MQTT struct {
	client paho.Client
}

// DialMQTT connects to the broker. The client reconnects on its own after
// the initial connection succeeded.
func DialMQTT(cfg MQTTConfig, log logx.Logger) (*MQTT, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "sprinkler"
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("mqtt connection lost", logx.String("broker", cfg.Broker), logx.Err(err))
		}).
		SetOnConnectHandler(func(paho.Client) {
			log.Info("mqtt connected", logx.String("broker", cfg.Broker))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &MQTT{client: client}, nil
}

// Send publishes at QoS 0.
func (m *MQTT) Send(ctx context.Context, topic string, retained bool, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := m.client.Publish(topic, 0, retained, payload)
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(1000)
	return nil
}

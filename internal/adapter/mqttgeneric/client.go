// Package mqttgeneric is the supplemented MQTT protocol adapter: devices
// are declared through static config rather than discovered, and each
// entity maps to a state/command MQTT topic pair. It wraps
// paho.mqtt.golang (LWT, auto-resubscribe on reconnect, panic-recovered
// handler wrapping), pointed at this adapter's own topic namespace.
package mqttgeneric

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pelago-hub/hubd/internal/logging"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	statusTopic              = "hubd/mqttgeneric/status"
)

// BrokerConfig is the static connection config for one broker.
type BrokerConfig struct {
	URL      string `yaml:"url"` // e.g. "tcp://broker.local:1883"
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

type subscription struct {
	topic   string
	handler func(topic string, payload []byte)
}

// brokerClient wraps one paho client with resubscribe-on-reconnect.
type brokerClient struct {
	log    *logging.Logger
	client pahomqtt.Client

	subMu sync.RWMutex
	subs  map[string]subscription
}

func connectBroker(log *logging.Logger, cfg BrokerConfig) (*brokerClient, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	willPayload := fmt.Sprintf(`{"client_id":%q,"status":"offline"}`, cfg.ClientID)
	opts.SetWill(statusTopic, willPayload, 1, true)

	b := &brokerClient{log: log, subs: make(map[string]subscription)}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		b.resubscribeAll()
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqttgeneric: connect timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttgeneric: connect: %w", err)
	}

	return b, nil
}

func (b *brokerClient) resubscribeAll() {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, s := range b.subs {
		b.client.Subscribe(s.topic, 1, b.wrapHandler(s.handler))
	}
}

func (b *brokerClient) subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.subMu.Lock()
	b.subs[topic] = subscription{topic: topic, handler: handler}
	b.subMu.Unlock()

	token := b.client.Subscribe(topic, 1, b.wrapHandler(handler))
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("mqttgeneric: subscribe timeout: %s", topic)
	}
	return token.Error()
}

func (b *brokerClient) publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("mqttgeneric: publish timeout: %s", topic)
	}
	return token.Error()
}

func (b *brokerClient) wrapHandler(handler func(topic string, payload []byte)) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil && b.log != nil {
				b.log.Error("mqttgeneric: handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

func (b *brokerClient) close() {
	if b.client == nil {
		return
	}
	b.client.Disconnect(defaultDisconnectQuiesce)
}

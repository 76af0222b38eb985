// Package mqttclient connects to an external MQTT broker that zigbee2mqtt
// publishes to.
package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	retryInterval     = 5 * time.Second
	maxReconnect      = time.Minute
)

// Status is reported on every connection state change.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// MessageHandler receives one message.
type MessageHandler func(topic string, payload []byte, retained bool)

// Options configures Connect.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Logger    *slog.Logger

	// OnStatus is called from paho's goroutines.
	OnStatus func(status Status, err error)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client wraps a paho client, restoring subscriptions after every reconnect.
type Client struct {
	client   pahomqtt.Client
	logger   *slog.Logger
	onStatus func(Status, error)

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connMu    sync.RWMutex
	connected bool
}

// Connect dials the broker and waits for the first connection.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := newClient(opts.Logger, opts.OnStatus)

	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.BrokerURL)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(retryInterval)
	po.SetMaxReconnectInterval(maxReconnect)
	po.SetConnectTimeout(connectTimeout)
	po.SetKeepAlive(keepAlive)
	po.SetOnConnectHandler(func(pahomqtt.Client) {
		c.handleConnect()
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	po.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.report(StatusReconnecting, nil)
	})

	c.client = pahomqtt.NewClient(po)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connecting to %s: timeout after %v", opts.BrokerURL, connectTimeout)
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connecting to %s: %w", opts.BrokerURL, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.BrokerURL, err)
	}

	c.logger.Info("connected to MQTT broker", "broker", opts.BrokerURL, "client_id", opts.ClientID)
	return c, nil
}

func newClient(logger *slog.Logger, onStatus func(Status, error)) *Client {
	return &Client{
		logger:        logger,
		onStatus:      onStatus,
		subscriptions: make(map[string]subscription),
	}
}

func (c *Client) report(status Status, err error) {
	if c.onStatus != nil {
		c.onStatus(status, err)
	}
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.report(StatusConnected, nil)
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("lost connection to MQTT broker", "error", err)
	c.report(StatusDisconnected, err)
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// Subscribe registers handler for topic. The subscription is restored after
// reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload without waiting for the broker. Failures are logged.
func (c *Client) Publish(topic string, payload []byte) {
	token := c.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			c.logger.Error("MQTT publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Error("MQTT publish failed", "topic", topic, "error", err)
		}
	}()
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(disconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
}

func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		handler(msg.Topic(), msg.Payload(), msg.Retained())
	}
}

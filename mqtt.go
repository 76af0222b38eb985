package z2mautomations

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kradalby/z2m-automations/config"
	"github.com/kradalby/z2m-automations/events"
	"github.com/kradalby/z2m-automations/mqttclient"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"tailscale.com/util/eventbus"
)

// MQTTHook forwards zigbee2mqtt publishes on the embedded broker to the bus.
type MQTTHook struct {
	mqtt.HookBase
	logger    *slog.Logger
	baseTopic string
	bus       *events.Bus
	client    *eventbus.Client
}

// ID returns the hook identifier
func (h *MQTTHook) ID() string {
	return "z2m-automations-hook"
}

// Provides returns the hook methods this hook provides
func (h *MQTTHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

func (h *MQTTHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.logger.Info("MQTT client connected", "client_id", cl.ID)
	return nil
}

func (h *MQTTHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}

// OnPublish is called when a message is received from a client. Publishes
// from clients are live, so Retained is never set here even when the retain
// flag is.
func (h *MQTTHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !strings.HasPrefix(pk.TopicName, h.baseTopic+"/") {
		return pk, nil
	}

	h.logger.Debug("MQTT message received",
		"topic", pk.TopicName,
		"payload", string(pk.Payload),
	)

	h.bus.PublishDeviceMessage(h.client, events.DeviceMessageEvent{
		Timestamp: time.Now(),
		Topic:     pk.TopicName,
		Payload:   bytes.Clone(pk.Payload),
	})

	return pk, nil
}

func newMQTTHook(logger *slog.Logger, bus *events.Bus, baseTopic string) (*MQTTHook, error) {
	client, err := bus.Client(events.ClientMQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to get mqtt eventbus client: %w", err)
	}
	return &MQTTHook{
		logger:    logger,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		bus:       bus,
		client:    client,
	}, nil
}

// transport is the MQTT side of the app: device messages in, action
// payloads out.
type transport interface {
	Deliver(topic string, payload []byte)
	Close()
}

// embeddedBroker runs a mochi broker that zigbee2mqtt connects to.
type embeddedBroker struct {
	logger *slog.Logger
	server *mqtt.Server
}

func newEmbeddedBroker(logger *slog.Logger, bus *events.Bus, cfg *config.Config) (*embeddedBroker, error) {
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	hook, err := newMQTTHook(logger, bus, cfg.BaseTopic)
	if err != nil {
		return nil, err
	}
	if err := server.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: cfg.MQTTAddrPort().String(),
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add TCP listener: %w", err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			logger.Error("MQTT server error", "error", err)
		}
	}()

	logger.Info("embedded MQTT broker listening", "addr", cfg.MQTTAddrPort().String())
	bus.PublishConnectionStatus(hook.client, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "mqtt",
		Status:    events.ConnectionStatusConnected,
	})

	return &embeddedBroker{logger: logger, server: server}, nil
}

// Deliver publishes through the inline client.
func (b *embeddedBroker) Deliver(topic string, payload []byte) {
	if err := b.server.Publish(topic, payload, false, 0); err != nil {
		b.logger.Error("failed to publish action", "topic", topic, "error", err)
	}
}

func (b *embeddedBroker) Close() {
	if err := b.server.Close(); err != nil {
		b.logger.Warn("failed to close MQTT server", "error", err)
	}
}

// externalBroker subscribes to {base}/# on a broker zigbee2mqtt already
// uses.
type externalBroker struct {
	client *mqttclient.Client
}

func connectExternalBroker(ctx context.Context, logger *slog.Logger, bus *events.Bus, cfg *config.Config) (*externalBroker, error) {
	busClient, err := bus.Client(events.ClientMQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to get mqtt eventbus client: %w", err)
	}

	var reconnects atomic.Int64
	client, err := mqttclient.Connect(ctx, mqttclient.Options{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Logger:    logger,
		OnStatus: func(status mqttclient.Status, err error) {
			evt := events.ConnectionStatusEvent{
				Timestamp: time.Now(),
				Component: "mqtt",
				Status:    events.ConnectionStatus(status),
			}
			if status == mqttclient.StatusReconnecting {
				reconnects.Add(1)
			}
			evt.Reconnects = int(reconnects.Load())
			if err != nil {
				evt.Error = err.Error()
			}
			bus.PublishConnectionStatus(busClient, evt)
		},
	})
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(cfg.BaseTopic, "/")
	err = client.Subscribe(base+"/#", 0, ingest(bus, busClient))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s/#: %w", base, err)
	}

	return &externalBroker{client: client}, nil
}

// ingest turns broker messages into DeviceMessageEvents. Retained messages
// are replayed state and keep their flag.
func ingest(bus *events.Bus, client *eventbus.Client) mqttclient.MessageHandler {
	return func(topic string, payload []byte, retained bool) {
		bus.PublishDeviceMessage(client, events.DeviceMessageEvent{
			Timestamp: time.Now(),
			Topic:     topic,
			Payload:   bytes.Clone(payload),
			Retained:  retained,
		})
	}
}

func (b *externalBroker) Deliver(topic string, payload []byte) {
	b.client.Publish(topic, payload)
}

func (b *externalBroker) Close() {
	b.client.Close()
}

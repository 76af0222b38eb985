// Package events wraps the in-process event bus shared by the MQTT ingress,
// the device store, the automation engine and the observers.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"tailscale.com/util/eventbus"
)

// Client names. Each component publishes and subscribes through its own
// client.
const (
	ClientMain    = "main"
	ClientMQTT    = "mqtt"
	ClientDevices = "devices"
	ClientEngine  = "engine"
	ClientWeb     = "web"
	ClientHAP     = "hap"
	ClientMetrics = "metrics"
	ClientHistory = "history"
)

var ErrClosed = errors.New("event bus closed")

type publisherKey struct {
	client *eventbus.Client
	typ    reflect.Type
}

// Bus hands out named clients and caches one publisher per client and event
// type.
type Bus struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu         sync.Mutex
	clients    map[string]*eventbus.Client
	publishers map[publisherKey]any
	closed     bool
}

func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Bus{
		logger:     logger,
		bus:        eventbus.New(),
		clients:    make(map[string]*eventbus.Client),
		publishers: make(map[publisherKey]any),
	}, nil
}

// Client returns the client called name, creating it on first use.
func (b *Bus) Client(name string) (*eventbus.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if c, ok := b.clients[name]; ok {
		return c, nil
	}
	c := b.bus.Client(name)
	b.clients[name] = c
	return c, nil
}

// Close closes every client and the bus. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := b.clients
	b.clients = nil
	b.publishers = nil
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	b.bus.Close()
	b.logger.Debug("event bus closed")
	return nil
}

func publish[T any](b *Bus, client *eventbus.Client, evt T) {
	if client == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	key := publisherKey{client: client, typ: reflect.TypeFor[T]()}
	p, ok := b.publishers[key]
	if !ok {
		p = eventbus.Publish[T](client)
		b.publishers[key] = p
	}
	b.mu.Unlock()

	p.(*eventbus.Publisher[T]).Publish(evt)
}

func (b *Bus) PublishDeviceMessage(client *eventbus.Client, evt DeviceMessageEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishStateChanged(client *eventbus.Client, evt StateChangedEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishInventory(client *eventbus.Client, evt InventoryEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishTriggerEvaluated(client *eventbus.Client, evt TriggerEvaluatedEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishActionDispatched(client *eventbus.Client, evt ActionDispatchedEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishTimer(client *eventbus.Client, evt TimerEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishRunRequest(client *eventbus.Client, evt RunRequestEvent) {
	publish(b, client, evt)
}

func (b *Bus) PublishConnectionStatus(client *eventbus.Client, evt ConnectionStatusEvent) {
	publish(b, client, evt)
}

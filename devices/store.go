// Package devices tracks the zigbee2mqtt device inventory and the last known
// state of every device and group.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kradalby/z2m-automations/events"
	"tailscale.com/util/eventbus"
)

// Device is one entry of {base}/bridge/devices.
type Device struct {
	IEEEAddress  string `json:"ieee_address"`
	FriendlyName string `json:"friendly_name"`
	Type         string `json:"type"`
}

// Group is one entry of {base}/bridge/groups.
type Group struct {
	ID           int    `json:"id"`
	FriendlyName string `json:"friendly_name"`
}

var ignoredSuffixes = []string{"/set", "/get", "/availability"}

// Store consumes device messages from the bus, keeps per-entity state and
// publishes a StateChangedEvent for every live state update.
type Store struct {
	logger    *slog.Logger
	baseTopic string
	bus       *events.Bus
	client    *eventbus.Client
	messages  *eventbus.Subscriber[events.DeviceMessageEvent]

	mu        sync.RWMutex
	devices   map[string]Device
	groups    map[string]Group
	aliases   map[string]string
	states    map[string]map[string]any
	inventory chan struct{}
	known     bool

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewStore subscribes to device messages and starts processing them.
func NewStore(ctx context.Context, logger *slog.Logger, bus *events.Bus, baseTopic string) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if baseTopic == "" {
		return nil, fmt.Errorf("base topic is required")
	}

	client, err := bus.Client(events.ClientDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices eventbus client: %w", err)
	}

	storeCtx, cancel := context.WithCancel(ctx)
	s := &Store{
		logger:    logger,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		bus:       bus,
		client:    client,
		messages:  eventbus.Subscribe[events.DeviceMessageEvent](client),
		devices:   make(map[string]Device),
		groups:    make(map[string]Group),
		aliases:   make(map[string]string),
		states:    make(map[string]map[string]any),
		inventory: make(chan struct{}),
		ctx:       storeCtx,
		cancel:    cancel,
	}

	s.workers.Add(1)
	go s.consume()

	return s, nil
}

// Close stops processing and releases the subscriber.
func (s *Store) Close() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.messages.Close()
		s.workers.Wait()
	})
}

func (s *Store) consume() {
	defer s.workers.Done()
	for {
		select {
		case evt := <-s.messages.Events():
			s.Handle(evt)
		case <-s.ctx.Done():
			return
		}
	}
}

// Handle processes one message. Retained state seeds the store without
// publishing a change.
func (s *Store) Handle(evt events.DeviceMessageEvent) {
	rest, ok := strings.CutPrefix(evt.Topic, s.baseTopic+"/")
	if !ok || rest == "" {
		return
	}

	switch {
	case rest == "bridge/devices":
		s.handleDevices(evt.Payload)
		return
	case rest == "bridge/groups":
		s.handleGroups(evt.Payload)
		return
	case strings.HasPrefix(rest, "bridge/"):
		return
	}

	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(rest, suffix) || strings.Contains(rest, suffix+"/") {
			return
		}
	}

	var update map[string]any
	if err := json.Unmarshal(evt.Payload, &update); err != nil || update == nil {
		s.logger.Debug("ignoring non-object device payload", "topic", evt.Topic)
		return
	}

	change := s.apply(rest, update)
	if evt.Retained {
		s.logger.Debug("seeded retained state", "entity", rest)
		return
	}

	change.Timestamp = evt.Timestamp
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	s.bus.PublishStateChanged(s.client, change)
}

func (s *Store) apply(name string, update map[string]any) events.StateChangedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := maps.Clone(s.states[name])
	if from == nil {
		from = make(map[string]any)
	}
	to := maps.Clone(from)
	maps.Copy(to, update)
	s.states[name] = to

	return events.StateChangedEvent{
		Entity: s.entityLocked(name),
		Update: update,
		From:   from,
		To:     maps.Clone(to),
	}
}

func (s *Store) handleDevices(payload []byte) {
	var list []Device
	if err := json.Unmarshal(payload, &list); err != nil {
		s.logger.Error("failed to parse bridge devices", "error", err)
		return
	}

	s.mu.Lock()
	s.devices = make(map[string]Device, len(list))
	for _, d := range list {
		if d.FriendlyName == "" || d.Type == "Coordinator" {
			continue
		}
		s.devices[d.FriendlyName] = d
	}
	s.rebuildAliasesLocked()
	if !s.known {
		s.known = true
		close(s.inventory)
	}
	count := len(s.devices)
	s.mu.Unlock()

	s.logger.Info("device inventory updated", "devices", count)
	s.bus.PublishInventory(s.client, events.InventoryEvent{
		Timestamp: time.Now(),
		Kind:      events.InventoryDevices,
		Count:     count,
	})
}

func (s *Store) handleGroups(payload []byte) {
	var list []Group
	if err := json.Unmarshal(payload, &list); err != nil {
		s.logger.Error("failed to parse bridge groups", "error", err)
		return
	}

	s.mu.Lock()
	s.groups = make(map[string]Group, len(list))
	for _, g := range list {
		if g.FriendlyName == "" {
			continue
		}
		s.groups[g.FriendlyName] = g
	}
	s.rebuildAliasesLocked()
	count := len(s.groups)
	s.mu.Unlock()

	s.logger.Info("group inventory updated", "groups", count)
	s.bus.PublishInventory(s.client, events.InventoryEvent{
		Timestamp: time.Now(),
		Kind:      events.InventoryGroups,
		Count:     count,
	})
}

func (s *Store) rebuildAliasesLocked() {
	s.aliases = make(map[string]string, len(s.devices)+len(s.groups))
	for name, d := range s.devices {
		if d.IEEEAddress != "" {
			s.aliases[d.IEEEAddress] = name
		}
	}
	for name, g := range s.groups {
		s.aliases[strconv.Itoa(g.ID)] = name
	}
}

func (s *Store) entityLocked(name string) events.Entity {
	if d, ok := s.devices[name]; ok && d.IEEEAddress != "" {
		return events.Entity{ID: d.IEEEAddress, Name: name}
	}
	if g, ok := s.groups[name]; ok {
		return events.Entity{ID: strconv.Itoa(g.ID), Name: name}
	}
	return events.Entity{ID: name, Name: name}
}

// Resolve looks id up as a friendly name, IEEE address or group id. Until the
// first device inventory arrives every non-empty id resolves to itself.
func (s *Store) Resolve(id string) (events.Entity, bool) {
	if id == "" {
		return events.Entity{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.known {
		return events.Entity{ID: id, Name: id}, true
	}
	if _, ok := s.devices[id]; ok {
		return s.entityLocked(id), true
	}
	if _, ok := s.groups[id]; ok {
		return s.entityLocked(id), true
	}
	if name, ok := s.aliases[id]; ok {
		return s.entityLocked(name), true
	}
	return events.Entity{}, false
}

// Attribute returns the last known value of attribute for the named entity.
func (s *Store) Attribute(name, attribute string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.states[name][attribute]
	return v, ok
}

// State returns a copy of the named entity's state.
func (s *Store) State(name string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.states[name])
}

// Devices returns the known devices sorted by friendly name.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendlyName < out[j].FriendlyName })
	return out
}

// InventoryKnown reports whether a device inventory has been received.
func (s *Store) InventoryKnown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known
}

// WaitForInventory blocks until the first device inventory arrives or ctx is
// done.
func (s *Store) WaitForInventory(ctx context.Context) error {
	select {
	case <-s.inventory:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for device inventory: %w", ctx.Err())
	}
}

package z2mautomations

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/kradalby/z2m-automations/events"
	"tailscale.com/util/eventbus"
)

const switchResetDelay = time.Second

// HAPManager exposes one stateless HomeKit switch per automation. Turning a
// switch on queues a run and the switch flips back off shortly after.
type HAPManager struct {
	logger     *slog.Logger
	bus        *events.Bus
	client     *eventbus.Client
	bridge     *accessory.Bridge
	switches   map[string]*accessory.Switch
	resetAfter time.Duration

	mu     sync.Mutex
	server *hap.Server
	store  hap.Store

	incomingCommands atomic.Uint64
	outgoingUpdates  atomic.Uint64
	lastActivity     atomic.Int64
}

// NewHAPManager creates a bridge with a switch for every automation name.
func NewHAPManager(logger *slog.Logger, bus *events.Bus, names []string) (*HAPManager, error) {
	client, err := bus.Client(events.ClientHAP)
	if err != nil {
		return nil, fmt.Errorf("failed to get hap eventbus client: %w", err)
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         "Automations",
		Manufacturer: "z2m-automations",
		Model:        "Bridge",
		SerialNumber: "Z2MA001",
	})

	hm := &HAPManager{
		logger:     logger,
		bus:        bus,
		client:     client,
		bridge:     bridge,
		switches:   make(map[string]*accessory.Switch, len(names)),
		resetAfter: switchResetDelay,
	}

	for _, name := range names {
		if _, ok := hm.switches[name]; ok {
			continue
		}

		sw := accessory.NewSwitch(accessory.Info{
			Name:         name,
			Manufacturer: "z2m-automations",
			Model:        "Automation",
			SerialNumber: name,
		})
		sw.Id = accessoryID(name)

		automationName := name
		sw.Switch.On.OnValueRemoteUpdate(func(on bool) {
			hm.trigger(automationName, on)
		})

		hm.switches[name] = sw
		logger.Debug("created HomeKit switch", "automation", name, "id", sw.Id)
	}

	return hm, nil
}

// accessoryID derives a stable id from the name so pairings survive
// reordering. Ids 0 and 1 are reserved for the bridge.
func accessoryID(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()>>1 | 2
}

func (hm *HAPManager) trigger(name string, on bool) {
	if !on {
		return
	}

	hm.incomingCommands.Add(1)
	hm.lastActivity.Store(time.Now().Unix())
	hm.logger.Info("HomeKit run requested", "automation", name)

	hm.bus.PublishRunRequest(hm.client, events.RunRequestEvent{
		Timestamp:  time.Now(),
		Source:     SourceHomeKit,
		Automation: name,
	})

	sw, ok := hm.switches[name]
	if !ok {
		return
	}
	time.AfterFunc(hm.resetAfter, func() {
		sw.Switch.On.SetValue(false)
		hm.outgoingUpdates.Add(1)
	})
}

// GetAccessories returns the bridge followed by the switches sorted by name.
func (hm *HAPManager) GetAccessories() []*accessory.A {
	accessories := []*accessory.A{hm.bridge.A}
	for _, name := range hm.names() {
		accessories = append(accessories, hm.switches[name].A)
	}
	return accessories
}

func (hm *HAPManager) names() []string {
	names := make([]string, 0, len(hm.switches))
	for name := range hm.switches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve starts the HAP server on addr until ctx is done.
func (hm *HAPManager) Serve(ctx context.Context, storagePath, pin, addr string) error {
	store := hap.NewFsStore(storagePath)
	accessories := hm.GetAccessories()

	server, err := hap.NewServer(store, accessories[0], accessories[1:]...)
	if err != nil {
		return fmt.Errorf("failed to create HAP server: %w", err)
	}
	server.Pin = pin
	server.Addr = addr

	hm.mu.Lock()
	hm.server = server
	hm.store = store
	hm.mu.Unlock()

	go func() {
		hm.publishStatus(events.ConnectionStatusConnected, nil)
		hm.logger.Info("starting HomeKit server", "addr", addr, "switches", len(hm.switches))
		if err := server.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			hm.logger.Error("HAP server error", "error", err)
			hm.publishStatus(events.ConnectionStatusFailed, err)
			return
		}
		hm.publishStatus(events.ConnectionStatusDisconnected, nil)
	}()

	return nil
}

func (hm *HAPManager) publishStatus(status events.ConnectionStatus, err error) {
	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "hap",
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	hm.bus.PublishConnectionStatus(hm.client, evt)
}

func (hm *HAPManager) serverAndStore() (*hap.Server, hap.Store) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.server, hm.store
}

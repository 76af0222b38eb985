package events

import (
	"time"
)

// DeviceMessageEvent is a raw MQTT publish seen on the zigbee2mqtt base topic.
type DeviceMessageEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Retained  bool      `json:"retained"`
}

// Entity identifies a device or group.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StateChangedEvent carries one device state update with the snapshot before
// and after it was merged.
type StateChangedEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Entity    Entity         `json:"entity"`
	Update    map[string]any `json:"update"`
	From      map[string]any `json:"from"`
	To        map[string]any `json:"to"`
}

// InventoryEvent reports a new device or group inventory from the bridge.
type InventoryEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Count     int       `json:"count"`
}

const (
	InventoryDevices = "devices"
	InventoryGroups  = "groups"
)

// TriggerEvaluatedEvent records one trigger verdict.
type TriggerEvaluatedEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Automation string    `json:"automation"`
	Entity     string    `json:"entity"`
	Verdict    string    `json:"verdict"`
}

// ActionDispatchedEvent records one payload sent to a device.
type ActionDispatchedEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Automation string    `json:"automation"`
	Entity     string    `json:"entity"`
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	Source     string    `json:"source"`
}

// TimerEvent records a timer being armed, fired or cancelled. Pending is the
// number of timers outstanding after the change.
type TimerEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Family     string    `json:"family"`
	Automation string    `json:"automation"`
	Entity     string    `json:"entity,omitempty"`
	Op         string    `json:"op"`
	Deadline   time.Time `json:"deadline"`
	Pending    int       `json:"pending"`
}

// RunRequestEvent asks for an automation to run now.
type RunRequestEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Automation string    `json:"automation"`
}

// ConnectionStatusEvent conveys component lifecycle information (web, HAP, MQTT, etc.).
type ConnectionStatusEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	Component  string           `json:"component"`
	Status     ConnectionStatus `json:"status"`
	Error      string           `json:"error"`
	Reconnects int              `json:"reconnects"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// ConnectionStatuses lists every status in display order.
var ConnectionStatuses = []ConnectionStatus{
	ConnectionStatusDisconnected,
	ConnectionStatusConnecting,
	ConnectionStatusConnected,
	ConnectionStatusReconnecting,
	ConnectionStatusFailed,
}

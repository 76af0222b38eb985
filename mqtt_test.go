package z2mautomations

import (
	"testing"
	"time"

	"github.com/kradalby/z2m-automations/events"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/util/eventbus"
)

func TestMQTTHookPublishesDeviceMessages(t *testing.T) {
	bus := newTestBus(t)

	hook, err := newMQTTHook(testLogger(), bus, "zigbee2mqtt/")
	require.NoError(t, err)

	client, err := bus.Client(events.ClientDevices)
	require.NoError(t, err)
	sub := eventbus.Subscribe[events.DeviceMessageEvent](client)
	t.Cleanup(sub.Close)

	pk := packets.Packet{
		TopicName: "zigbee2mqtt/hallway_sensor",
		Payload:   []byte(`{"occupancy":true}`),
	}
	pk.FixedHeader.Retain = true

	_, err = hook.OnPublish(nil, pk)
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "zigbee2mqtt/hallway_sensor", evt.Topic)
		assert.JSONEq(t, `{"occupancy":true}`, string(evt.Payload))
		assert.False(t, evt.Retained)
	case <-time.After(time.Second):
		t.Fatal("expected device message")
	}
}

func TestMQTTHookIgnoresOtherTopics(t *testing.T) {
	bus := newTestBus(t)

	hook, err := newMQTTHook(testLogger(), bus, "zigbee2mqtt")
	require.NoError(t, err)

	client, err := bus.Client(events.ClientDevices)
	require.NoError(t, err)
	sub := eventbus.Subscribe[events.DeviceMessageEvent](client)
	t.Cleanup(sub.Close)

	for _, topic := range []string{"homeassistant/light/config", "zigbee2mqtt", "zigbee2mqttx/light"} {
		_, err := hook.OnPublish(nil, packets.Packet{TopicName: topic, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected device message %q", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIngestKeepsRetainedFlag(t *testing.T) {
	bus := newTestBus(t)

	mqttClient, err := bus.Client(events.ClientMQTT)
	require.NoError(t, err)
	client, err := bus.Client(events.ClientDevices)
	require.NoError(t, err)
	sub := eventbus.Subscribe[events.DeviceMessageEvent](client)
	t.Cleanup(sub.Close)

	handler := ingest(bus, mqttClient)
	payload := []byte(`[]`)
	handler("zigbee2mqtt/bridge/devices", payload, true)
	payload[0] = 'x'

	select {
	case evt := <-sub.Events():
		assert.True(t, evt.Retained)
		assert.Equal(t, "[]", string(evt.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected device message")
	}
}

func TestMQTTHookProvides(t *testing.T) {
	hook := &MQTTHook{}
	assert.Equal(t, "z2m-automations-hook", hook.ID())
	assert.False(t, hook.Provides(0xff))
}

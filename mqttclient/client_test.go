package mqttclient

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

// fakePaho implements the parts of pahomqtt.Client the wrapper uses.
type fakePaho struct {
	pahomqtt.Client

	mu         sync.Mutex
	handlers   map[string]pahomqtt.MessageHandler
	subscribed []string
	published  []published
}

func newFakePaho() *fakePaho {
	return &fakePaho{handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	f.subscribed = append(f.subscribed, topic)
	return doneToken{}
}

func (f *fakePaho) Publish(topic string, _ byte, _ bool, payload any) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakePaho) IsConnected() bool { return true }

func (f *fakePaho) Disconnect(uint) {}

func (f *fakePaho) deliver(topic string, payload string, retained bool) {
	f.mu.Lock()
	cb := f.handlers[topic]
	f.mu.Unlock()
	cb(f, fakeMessage{topic: topic, payload: []byte(payload), retained: retained})
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestClient(t *testing.T) (*Client, *fakePaho, *[]Status) {
	t.Helper()
	var statuses []Status
	c := newClient(slog.New(slog.NewTextHandler(io.Discard, nil)), func(s Status, _ error) {
		statuses = append(statuses, s)
	})
	fake := newFakePaho()
	c.client = fake
	return c, fake, &statuses
}

func TestSubscribeDeliversMessages(t *testing.T) {
	c, fake, _ := newTestClient(t)

	var got []string
	require.NoError(t, c.Subscribe("zigbee2mqtt/#", 0, func(topic string, payload []byte, retained bool) {
		got = append(got, topic+" "+string(payload))
		assert.True(t, retained)
	}))

	fake.deliver("zigbee2mqtt/#", `{"state":"ON"}`, true)
	assert.Equal(t, []string{`zigbee2mqtt/# {"state":"ON"}`}, got)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	c, fake, _ := newTestClient(t)

	require.NoError(t, c.Subscribe("t", 0, func(string, []byte, bool) {
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		fake.deliver("t", "{}", false)
	})
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	c, fake, statuses := newTestClient(t)

	require.NoError(t, c.Subscribe("zigbee2mqtt/#", 0, func(string, []byte, bool) {}))
	c.handleDisconnect(assert.AnError)
	assert.False(t, c.IsConnected())

	c.handleConnect()
	assert.True(t, c.IsConnected())
	assert.Equal(t, []string{"zigbee2mqtt/#", "zigbee2mqtt/#"}, fake.subscribed)
	assert.Equal(t, []Status{StatusDisconnected, StatusConnected}, *statuses)
}

func TestPublish(t *testing.T) {
	c, fake, _ := newTestClient(t)

	c.Publish("zigbee2mqtt/light/set", []byte(`{"state":"OFF"}`))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.published, 1)
	assert.Equal(t, "zigbee2mqtt/light/set", fake.published[0].topic)
	assert.JSONEq(t, `{"state":"OFF"}`, string(fake.published[0].payload))
}

func TestConnectRequiresBroker(t *testing.T) {
	_, err := Connect(context.Background(), Options{})
	require.Error(t, err)
}

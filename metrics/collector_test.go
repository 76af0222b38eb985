package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kradalby/z2m-automations/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestCollectorObservesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	reg := prometheus.NewRegistry()

	collector, err := NewCollector(ctx, testLogger(), bus, reg)
	require.NoError(t, err)
	defer collector.Close()

	componentClient, err := bus.Client(events.ClientWeb)
	require.NoError(t, err)
	bus.PublishConnectionStatus(componentClient, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    events.ConnectionStatusConnected,
	})

	require.Eventually(t, func() bool {
		return gaugeValue(collector.statusGauge.WithLabelValues("web", string(events.ConnectionStatusConnected))) == 1.0
	}, time.Second, 20*time.Millisecond, "expected component status gauge to update")
	require.Equal(t, 0.0, gaugeValue(collector.statusGauge.WithLabelValues("web", string(events.ConnectionStatusFailed))))

	engineClient, err := bus.Client(events.ClientEngine)
	require.NoError(t, err)

	bus.PublishTriggerEvaluated(engineClient, events.TriggerEvaluatedEvent{Automation: "hallway", Entity: "sensor", Verdict: "fire"})
	bus.PublishTriggerEvaluated(engineClient, events.TriggerEvaluatedEvent{Automation: "hallway", Entity: "sensor", Verdict: "fire"})
	bus.PublishActionDispatched(engineClient, events.ActionDispatchedEvent{Automation: "hallway", Source: "event"})
	bus.PublishTimer(engineClient, events.TimerEvent{Family: "for", Op: "armed", Pending: 3})
	bus.PublishRunRequest(componentClient, events.RunRequestEvent{Automation: "hallway"})

	require.Eventually(t, func() bool {
		return counterValue(collector.verdictCounter.WithLabelValues("hallway", "fire")) == 2.0
	}, time.Second, 20*time.Millisecond, "expected verdict counter to increment")

	require.Eventually(t, func() bool {
		return counterValue(collector.actionCounter.WithLabelValues("hallway", "event")) == 1.0
	}, time.Second, 20*time.Millisecond, "expected action counter to increment")

	require.Eventually(t, func() bool {
		return gaugeValue(collector.pendingGauge) == 3.0 &&
			counterValue(collector.timerCounter.WithLabelValues("for", "armed")) == 1.0
	}, time.Second, 20*time.Millisecond, "expected timer metrics to update")

	require.Eventually(t, func() bool {
		return counterValue(collector.runCounter.WithLabelValues("unknown")) == 1.0
	}, time.Second, 20*time.Millisecond, "expected run counter to use unknown source")
}

func TestCollectorCloseIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	collector, err := NewCollector(context.Background(), testLogger(), bus, prometheus.NewRegistry())
	require.NoError(t, err)

	collector.Close()
	collector.Close()
}

func TestNewCollectorValidation(t *testing.T) {
	bus := newTestBus(t)

	_, err := NewCollector(context.Background(), nil, bus, prometheus.NewRegistry())
	require.Error(t, err)
	_, err = NewCollector(context.Background(), testLogger(), nil, prometheus.NewRegistry())
	require.Error(t, err)
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m io_prometheus_client.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	if m.Gauge == nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m io_prometheus_client.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

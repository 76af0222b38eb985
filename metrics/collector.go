package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/z2m-automations/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger *slog.Logger

	statusSub   *eventbus.Subscriber[events.ConnectionStatusEvent]
	verdictSub  *eventbus.Subscriber[events.TriggerEvaluatedEvent]
	dispatchSub *eventbus.Subscriber[events.ActionDispatchedEvent]
	timerSub    *eventbus.Subscriber[events.TimerEvent]
	runSub      *eventbus.Subscriber[events.RunRequestEvent]

	statusGauge    *prometheus.GaugeVec
	verdictCounter *prometheus.CounterVec
	actionCounter  *prometheus.CounterVec
	timerCounter   *prometheus.CounterVec
	pendingGauge   prometheus.Gauge
	runCounter     *prometheus.CounterVec

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	collectorCtx, cancel := context.WithCancel(ctx)
	factory := promauto.With(reg)

	c := &Collector{
		logger:      logger,
		statusSub:   eventbus.Subscribe[events.ConnectionStatusEvent](client),
		verdictSub:  eventbus.Subscribe[events.TriggerEvaluatedEvent](client),
		dispatchSub: eventbus.Subscribe[events.ActionDispatchedEvent](client),
		timerSub:    eventbus.Subscribe[events.TimerEvent](client),
		runSub:      eventbus.Subscribe[events.RunRequestEvent](client),

		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "z2m_automations_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),
		verdictCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "z2m_automations_trigger_verdicts_total",
			Help: "Trigger evaluations by automation and verdict",
		}, []string{"automation", "verdict"}),
		actionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "z2m_automations_actions_total",
			Help: "Action payloads dispatched by automation and source",
		}, []string{"automation", "source"}),
		timerCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "z2m_automations_timer_events_total",
			Help: "Timer transitions by family and operation",
		}, []string{"family", "op"}),
		pendingGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "z2m_automations_pending_timers",
			Help: "Timers currently armed",
		}),
		runCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "z2m_automations_run_requests_total",
			Help: "On-demand run requests by source",
		}, []string{"source"}),

		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(5)
	go consume(c, c.statusSub, c.observeStatus)
	go consume(c, c.verdictSub, c.observeVerdict)
	go consume(c, c.dispatchSub, c.observeDispatch)
	go consume(c, c.timerSub, c.observeTimer)
	go consume(c, c.runSub, c.observeRun)

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.statusSub.Close()
		c.verdictSub.Close()
		c.dispatchSub.Close()
		c.timerSub.Close()
		c.runSub.Close()
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func consume[T any](c *Collector, sub *eventbus.Subscriber[T], observe func(T)) {
	defer c.workers.Done()
	for {
		select {
		case evt := <-sub.Events():
			observe(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range events.ConnectionStatuses {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}

func (c *Collector) observeVerdict(evt events.TriggerEvaluatedEvent) {
	c.verdictCounter.WithLabelValues(orUnknown(evt.Automation), orUnknown(evt.Verdict)).Inc()
}

func (c *Collector) observeDispatch(evt events.ActionDispatchedEvent) {
	c.actionCounter.WithLabelValues(orUnknown(evt.Automation), orUnknown(evt.Source)).Inc()
}

func (c *Collector) observeTimer(evt events.TimerEvent) {
	c.timerCounter.WithLabelValues(orUnknown(evt.Family), orUnknown(evt.Op)).Inc()
	c.pendingGauge.Set(float64(evt.Pending))
}

func (c *Collector) observeRun(evt events.RunRequestEvent) {
	c.runCounter.WithLabelValues(orUnknown(evt.Source)).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

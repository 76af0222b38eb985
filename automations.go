package z2mautomations

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kradalby/z2m-automations/automation"
	"github.com/kradalby/z2m-automations/devices"
	"github.com/kradalby/z2m-automations/events"
	"tailscale.com/util/eventbus"
)

// storeResolver resolves automation entities through the device store.
type storeResolver struct {
	store *devices.Store
}

func (r storeResolver) ResolveEntity(id string) (automation.Entity, bool) {
	e, ok := r.store.Resolve(id)
	return automation.Entity{ID: e.ID, Name: e.Name}, ok
}

// storeState reads condition values from the device store.
type storeState struct {
	store *devices.Store
}

func (s storeState) Attribute(entity automation.Entity, attribute string) (any, bool) {
	return s.store.Attribute(entity.Name, attribute)
}

// busSource feeds StateChangedEvents from the bus to the engine.
type busSource struct {
	logger *slog.Logger
	client *eventbus.Client
}

func newBusSource(logger *slog.Logger, bus *events.Bus) (*busSource, error) {
	client, err := bus.Client(events.ClientEngine)
	if err != nil {
		return nil, err
	}
	return &busSource{logger: logger, client: client}, nil
}

func (s *busSource) Subscribe(handler func(automation.StateChange)) func() {
	sub := eventbus.Subscribe[events.StateChangedEvent](s.client)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case evt := <-sub.Events():
				handler(automation.StateChange{
					Entity: automation.Entity{ID: evt.Entity.ID, Name: evt.Entity.Name},
					Update: evt.Update,
					From:   evt.From,
					To:     evt.To,
				})
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			sub.Close()
			wg.Wait()
			s.logger.Debug("state change subscription closed")
		})
	}
}

// busObserver republishes engine activity on the bus.
type busObserver struct {
	bus     *events.Bus
	client  *eventbus.Client
	now     func() time.Time
	pending atomic.Int64
}

func newBusObserver(bus *events.Bus) (*busObserver, error) {
	client, err := bus.Client(events.ClientEngine)
	if err != nil {
		return nil, err
	}
	return &busObserver{bus: bus, client: client, now: time.Now}, nil
}

func (o *busObserver) TriggerEvaluated(name, entity string, verdict automation.Verdict) {
	o.bus.PublishTriggerEvaluated(o.client, events.TriggerEvaluatedEvent{
		Timestamp:  o.now(),
		Automation: name,
		Entity:     entity,
		Verdict:    verdict.String(),
	})
}

func (o *busObserver) ActionDispatched(d automation.Dispatch) {
	o.bus.PublishActionDispatched(o.client, events.ActionDispatchedEvent{
		ID:         uuid.NewString(),
		Timestamp:  d.Timestamp,
		Automation: d.Automation,
		Entity:     d.Entity,
		Topic:      d.Topic,
		Payload:    string(d.Payload),
		Source:     d.Source,
	})
}

func (o *busObserver) TimerChanged(key automation.TimerKey, op automation.TimerOp, deadline time.Time) {
	var pending int64
	if op == automation.TimerArmed {
		pending = o.pending.Add(1)
	} else {
		pending = o.pending.Add(-1)
	}

	o.bus.PublishTimer(o.client, events.TimerEvent{
		Timestamp:  o.now(),
		Family:     string(key.Family),
		Automation: key.Name,
		Entity:     key.Entity,
		Op:         string(op),
		Deadline:   deadline,
		Pending:    int(pending),
	})
}

// Runner runs an automation on demand.
type Runner interface {
	Run(name, source string) error
}

// processRunRequests runs every RunRequestEvent until ctx is done.
func processRunRequests(ctx context.Context, logger *slog.Logger, sub *eventbus.Subscriber[events.RunRequestEvent], runner Runner) {
	for {
		select {
		case evt := <-sub.Events():
			logger.Info("run requested", "automation", evt.Automation, "source", evt.Source)
			if err := runner.Run(evt.Automation, evt.Source); err != nil {
				logger.Warn("run request failed", "automation", evt.Automation, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

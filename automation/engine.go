package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kradalby/z2m-automations/clock"
	"github.com/kradalby/z2m-automations/solar"
)

// Resolver looks up entities by friendly name, IEEE address or group id.
type Resolver interface {
	ResolveEntity(id string) (Entity, bool)
}

// StateReader returns an entity's current attribute value.
type StateReader interface {
	Attribute(entity Entity, attribute string) (any, bool)
}

// Deliverer publishes an action payload. It must not block.
type Deliverer interface {
	Deliver(topic string, payload []byte)
}

// ChangeSource delivers state changes to handler until cancel is called.
type ChangeSource interface {
	Subscribe(handler func(StateChange)) (cancel func())
}

// Observer is told about evaluation, dispatch and timer activity.
type Observer interface {
	TriggerEvaluated(automation, entity string, verdict Verdict)
	ActionDispatched(d Dispatch)
	TimerChanged(key TimerKey, op TimerOp, deadline time.Time)
}

// Options configures an Engine. Logger, Clock, Solar and Observer default
// when nil.
type Options struct {
	Logger    *slog.Logger
	Clock     clock.Clock
	BaseTopic string
	Resolver  Resolver
	State     StateReader
	Deliverer Deliverer
	Source    ChangeSource
	Solar     SolarFunc
	Observer  Observer
}

// Engine owns the registry and timers and runs every evaluation, condition
// check and dispatch under a single lock.
type Engine struct {
	logger    *slog.Logger
	clock     clock.Clock
	baseTopic string
	resolver  Resolver
	state     StateReader
	deliverer Deliverer
	source    ChangeSource
	solar     SolarFunc
	observer  Observer

	mu       sync.Mutex
	registry *Registry
	sched    *Scheduler
	running  bool
	cancel   func()
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("entity resolver is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("state change source is required")
	}
	if opts.BaseTopic == "" {
		return nil, fmt.Errorf("base topic is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Solar == nil {
		opts.Solar = solar.EventTime
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	e := &Engine{
		logger:    opts.Logger,
		clock:     opts.Clock,
		baseTopic: opts.BaseTopic,
		resolver:  opts.Resolver,
		state:     opts.State,
		deliverer: opts.Deliverer,
		source:    opts.Source,
		solar:     opts.Solar,
		observer:  opts.Observer,
		registry:  NewRegistry(),
	}
	e.sched = NewScheduler(e.clock, e.locked, e.observer.TimerChanged)

	return e, nil
}

// locked runs fn under the engine lock while the engine is running.
func (e *Engine) locked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	fn()
}

// Load builds and registers every active entry. A failing entry is logged
// and skipped; the joined errors are returned alongside the number of
// automations registered.
func (e *Engine) Load(cfg *Config) (int, error) {
	var errs []error
	loaded := 0

	for _, named := range cfg.Entries {
		if !named.Entry.IsActive() {
			e.logger.Info("automation not registered since active is false", "automation", named.Name)
			continue
		}

		automations, err := Build(named.Name, named.Entry, e.resolver)
		if err != nil {
			e.logger.Error("invalid automation", "automation", named.Name, "error", err)
			errs = append(errs, err)
			continue
		}

		if err := e.registerAll(automations); err != nil {
			e.logger.Error("failed to register automation", "automation", named.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		loaded++
	}

	e.logger.Info("automations loaded", "count", loaded, "failed", len(errs))
	return loaded, errors.Join(errs...)
}

// Register adds pre-built automations sharing one name.
func (e *Engine) Register(automations ...*Automation) error {
	return e.registerAll(automations)
}

func (e *Engine) registerAll(automations []*Automation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var registered []*Automation
	for _, a := range automations {
		if err := e.registry.Register(a, now, e.solar); err != nil {
			if len(registered) > 0 {
				e.registry.Remove(a.Name)
			}
			return err
		}
		registered = append(registered, a)
	}

	if e.running {
		for _, a := range registered {
			if a.Trigger.Time != nil {
				e.armDaily(a.timeKey)
			}
		}
	}
	return nil
}

// Start subscribes to state changes and arms the daily and midnight timers.
// The engine stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.running = true
	e.armAllDaily()
	e.armMidnight()
	e.mu.Unlock()

	cancel := e.source.Subscribe(e.HandleStateChange)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.Stop()
	}()

	e.logger.Info("automation engine started")
	return nil
}

// Stop cancels every pending timer and unsubscribes. It is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cleared := e.sched.CancelAll()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.logger.Info("automation engine stopped", "timers_cleared", cleared)
}

// HandleStateChange evaluates every automation registered for the entity in
// registration order.
func (e *Engine) HandleStateChange(change StateChange) {
	e.locked(func() {
		for _, a := range e.registry.LookupByEntity(change.Entity.Name) {
			if a.removed {
				continue
			}
			e.evaluate(a, change)
		}
	})
}

func (e *Engine) evaluate(a *Automation, change StateChange) {
	verdict, reason := EvaluateTrigger(a.Trigger.Event, change.Update, change.From, change.To)
	e.logger.Debug("trigger check",
		"automation", a.Name,
		"entity", change.Entity.Name,
		"verdict", verdict.String(),
		"reason", reason,
	)
	e.observer.TriggerEvaluated(a.Name, change.Entity.Name, verdict)

	forKey := TimerKey{Family: FamilyFor, Name: a.Name}

	switch verdict {
	case Ignore:
		return
	case Suppress:
		if e.sched.Cancel(forKey) {
			e.logger.Debug("stopped trigger-for timer", "automation", a.Name)
		}
		return
	}

	if e.sched.Pending(forKey) {
		e.logger.Debug("waiting for trigger-for timer", "automation", a.Name)
		return
	}

	dwell := a.Trigger.Event.For
	if dwell == nil {
		e.runWithConditions(a, SourceEvent)
		return
	}
	if *dwell <= 0 {
		e.logger.Error("trigger-for must be a positive number of seconds",
			"automation", a.Name,
			"for", *dwell,
		)
		return
	}

	e.logger.Debug("starting trigger-for timer", "automation", a.Name, "seconds", *dwell)
	e.sched.Arm(forKey, seconds(*dwell), func() {
		if a.removed {
			return
		}
		e.runWithConditions(a, SourceFor)
	})
}

func (e *Engine) runWithConditions(a *Automation, source string) {
	env := conditionEnv{
		now:      e.clock.Now(),
		resolver: e.resolver,
		state:    e.state,
		logger:   e.logger,
	}
	if !env.all(a.Name, a.Conditions) {
		e.logger.Debug("conditions not met", "automation", a.Name, "source", source)
		return
	}
	e.runActions(a, source)
}

// Run executes an automation's actions, subject to its conditions, without
// waiting for its trigger.
func (e *Engine) Run(name, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.registry.Find(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownAutomation)
	}
	e.runWithConditions(a, source)
	return nil
}

func (e *Engine) remove(name string) {
	e.logger.Info("unregistering automation", "automation", name)

	for _, key := range e.registry.Remove(name) {
		e.sched.Cancel(TimerKey{Family: FamilyDaily, Name: key})
	}
	e.sched.Cancel(TimerKey{Family: FamilyFor, Name: name})
}

func (e *Engine) armAllDaily() {
	for _, key := range e.registry.TimeKeys() {
		e.armDaily(key)
	}
}

// armDaily arms the timer for key if its time is still ahead today.
func (e *Engine) armDaily(key string) {
	now := e.clock.Now()
	at, ok := MatchTimeString(now, key)
	if !ok {
		e.logger.Error("invalid time key", "time", key)
		return
	}

	delay := at.Sub(now)
	if delay <= 0 {
		e.logger.Debug("time trigger already passed today", "time", key)
		return
	}

	e.logger.Debug("arming time trigger", "time", key, "at", at)
	e.sched.Arm(TimerKey{Family: FamilyDaily, Name: key}, delay, func() {
		e.fireDaily(key)
	})
}

func (e *Engine) fireDaily(key string) {
	for _, a := range e.registry.LookupByTime(key) {
		if a.removed {
			continue
		}
		e.logger.Debug("time trigger fired", "automation", a.Name, "time", key)
		e.runWithConditions(a, SourceTime)
	}
}

// armMidnight schedules the daily rollover two seconds after 23:59:59 today.
func (e *Engine) armMidnight() {
	now := e.clock.Now()
	y, m, d := now.Date()
	last := time.Date(y, m, d, 23, 59, 59, 0, now.Location())

	e.sched.Arm(TimerKey{Family: FamilyMidnight}, last.Sub(now)+2*time.Second, e.rollover)
}

func (e *Engine) rollover() {
	e.logger.Info("reloading time automations for the new day")

	if err := e.registry.Rekey(e.clock.Now(), e.solar); err != nil {
		e.logger.Error("failed to resolve solar triggers", "error", err)
	}

	e.sched.CancelFamily(FamilyDaily)
	e.armAllDaily()
	e.armMidnight()
}

// Summary describes one automation name for display.
type Summary struct {
	Name        string
	Kind        string
	Keys        []string
	ExecuteOnce bool
	Conditions  int
	Actions     int
	Pending     []TimerInfo
}

// Automations summarises every registered automation name in registration
// order.
func (e *Engine) Automations() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	timers := e.sched.Timers()
	index := make(map[string]int)
	var out []Summary

	for _, a := range e.registry.All() {
		i, ok := index[a.Name]
		if !ok {
			i = len(out)
			index[a.Name] = i
			out = append(out, Summary{
				Name:        a.Name,
				ExecuteOnce: a.ExecuteOnce,
				Conditions:  len(a.Conditions),
				Actions:     len(a.Actions),
			})
			for _, t := range timers {
				if t.Key.Family != FamilyDaily && t.Key.Family != FamilyMidnight && t.Key.Name == a.Name {
					out[i].Pending = append(out[i].Pending, t)
				}
			}
		}

		s := &out[i]
		if a.Trigger.Time != nil {
			s.Kind = joinKind(s.Kind, "time")
			s.Keys = append(s.Keys, a.timeKey)
		} else if a.Trigger.Event != nil {
			s.Kind = joinKind(s.Kind, "event")
			s.Keys = append(s.Keys, a.Trigger.Event.Entities...)
		}
	}

	return out
}

func joinKind(current, kind string) string {
	switch current {
	case "", kind:
		return kind
	default:
		return "mixed"
	}
}

// Timers lists every pending timer.
func (e *Engine) Timers() []TimerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Timers()
}

type nopObserver struct{}

func (nopObserver) TriggerEvaluated(string, string, Verdict)  {}
func (nopObserver) ActionDispatched(Dispatch)                 {}
func (nopObserver) TimerChanged(TimerKey, TimerOp, time.Time) {}

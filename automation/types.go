package automation

import (
	"time"

	"github.com/kradalby/z2m-automations/solar"
)

// Verdict is the outcome of matching a trigger against a state change.
type Verdict int

const (
	// Ignore leaves any pending dwell timer untouched.
	Ignore Verdict = iota
	// Suppress cancels any pending dwell timer.
	Suppress
	// Fire runs the automation, or starts its dwell timer.
	Fire
)

func (v Verdict) String() string {
	switch v {
	case Fire:
		return "fire"
	case Suppress:
		return "suppress"
	default:
		return "ignore"
	}
}

// Entity is a resolved device or group.
type Entity struct {
	ID   string
	Name string
}

// StateChange is one observed state delta for an entity.
type StateChange struct {
	Entity Entity
	Update map[string]any
	From   map[string]any
	To     map[string]any
}

// Automation is one registered rule. A configuration entry with several
// triggers produces one Automation per trigger, all sharing the name.
type Automation struct {
	Name        string
	ExecuteOnce bool
	Trigger     Trigger
	Conditions  []Condition
	Actions     []Action

	timeKey string
	removed bool
}

// Trigger holds exactly one of Time or Event.
type Trigger struct {
	Time  *TimeTrigger
	Event *EventTrigger
}

// TimeTrigger fires daily at a clock time or at a named solar event.
type TimeTrigger struct {
	At        string
	Latitude  *float64
	Longitude *float64
	Elevation float64
}

// Solar reports whether At names a solar event rather than a clock time.
func (t TimeTrigger) Solar() bool {
	return solar.IsEvent(t.At)
}

// EventTrigger fires on state changes of Entities.
type EventTrigger struct {
	Entities []string
	// For is the dwell in seconds; nil runs immediately.
	For     *float64
	Matcher Matcher
}

// Matcher is one of ActionMatcher, AttributeMatcher or StateMatcher.
type Matcher interface {
	matcher()
}

// ActionMatcher matches the "action" attribute published by remotes and buttons.
type ActionMatcher struct {
	Actions []string
}

// AttributeMatcher matches a change of Attribute, narrowed by the comparators
// that are set. A nil Equal or NotEqual is unset.
type AttributeMatcher struct {
	Attribute string
	Equal     any
	NotEqual  any
	Above     *float64
	Below     *float64
}

// StateMatcher matches the "state" attribute changing to one of States.
type StateMatcher struct {
	States []any
}

func (ActionMatcher) matcher()    {}
func (AttributeMatcher) matcher() {}
func (StateMatcher) matcher()     {}

// Condition is a guard checked when an automation fires. Both parts must pass
// when present.
type Condition struct {
	Time   *TimeCondition
	Entity *EntityCondition
}

type TimeCondition struct {
	After    string
	Before   string
	Weekdays []string
}

type EntityCondition struct {
	Entity    string
	State     any
	Attribute string
	Equal     any
	NotEqual  any
	Above     *float64
	Below     *float64
}

// Action sends Payload to Entity's set topic.
type Action struct {
	Entity string
	// Payload is a shorthand string token or an attribute map.
	Payload any
	// TurnOffAfter in seconds.
	TurnOffAfter *float64
	// Logger overrides the level dispatches are logged at.
	Logger string
}

// Dispatch describes one payload delivered to an entity.
type Dispatch struct {
	Automation string
	Entity     string
	Topic      string
	Payload    []byte
	Source     string
	Timestamp  time.Time
}

// Sources label why an automation ran.
const (
	SourceEvent        = "event"
	SourceFor          = "for"
	SourceTime         = "time"
	SourceTurnOffAfter = "turn_off_after"
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

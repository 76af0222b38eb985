package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T {
	return &v
}

type m = map[string]any

func TestEvaluateTrigger(t *testing.T) {
	tests := []struct {
		name    string
		matcher Matcher
		update  m
		from    m
		to      m
		want    Verdict
	}{
		{
			name:    "action in set",
			matcher: ActionMatcher{Actions: []string{"single", "double"}},
			update:  m{"action": "double"},
			want:    Fire,
		},
		{
			name:    "action not in set",
			matcher: ActionMatcher{Actions: []string{"single"}},
			update:  m{"action": "hold"},
			want:    Suppress,
		},
		{
			name:    "no action published",
			matcher: ActionMatcher{Actions: []string{"single"}},
			update:  m{"battery": 90},
			want:    Ignore,
		},
		{
			name:    "above crossed",
			matcher: AttributeMatcher{Attribute: "temp", Above: ptr(10.0)},
			update:  m{"temp": 15.0},
			from:    m{"temp": 5.0},
			to:      m{"temp": 15.0},
			want:    Fire,
		},
		{
			name:    "already above",
			matcher: AttributeMatcher{Attribute: "temp", Above: ptr(10.0)},
			update:  m{"temp": 15.0},
			from:    m{"temp": 12.0},
			to:      m{"temp": 15.0},
			want:    Ignore,
		},
		{
			name:    "dropped below above threshold",
			matcher: AttributeMatcher{Attribute: "temp", Above: ptr(10.0)},
			update:  m{"temp": 5.0},
			from:    m{"temp": 15.0},
			to:      m{"temp": 5.0},
			want:    Suppress,
		},
		{
			name:    "below crossed",
			matcher: AttributeMatcher{Attribute: "illuminance", Below: ptr(100.0)},
			update:  m{"illuminance": 40},
			from:    m{"illuminance": 250},
			to:      m{"illuminance": 40},
			want:    Fire,
		},
		{
			name:    "already below",
			matcher: AttributeMatcher{Attribute: "illuminance", Below: ptr(100.0)},
			update:  m{"illuminance": 40},
			from:    m{"illuminance": 60},
			to:      m{"illuminance": 40},
			want:    Ignore,
		},
		{
			name:    "equal reached",
			matcher: AttributeMatcher{Attribute: "occupancy", Equal: true},
			update:  m{"occupancy": true},
			from:    m{"occupancy": false},
			to:      m{"occupancy": true},
			want:    Fire,
		},
		{
			name:    "equal left",
			matcher: AttributeMatcher{Attribute: "occupancy", Equal: true},
			update:  m{"occupancy": false},
			from:    m{"occupancy": true},
			to:      m{"occupancy": false},
			want:    Suppress,
		},
		{
			name:    "not equal left value",
			matcher: AttributeMatcher{Attribute: "contact", NotEqual: true},
			update:  m{"contact": false},
			from:    m{"contact": true},
			to:      m{"contact": false},
			want:    Fire,
		},
		{
			name:    "not equal reached value",
			matcher: AttributeMatcher{Attribute: "contact", NotEqual: true},
			update:  m{"contact": true},
			from:    m{"contact": false},
			to:      m{"contact": true},
			want:    Suppress,
		},
		{
			name:    "not equal with no previous value",
			matcher: AttributeMatcher{Attribute: "contact", NotEqual: true},
			update:  m{"contact": false},
			from:    m{},
			to:      m{"contact": false},
			want:    Ignore,
		},
		{
			name:    "attribute unchanged",
			matcher: AttributeMatcher{Attribute: "temp", Above: ptr(10.0)},
			update:  m{"temp": 15.0},
			from:    m{"temp": 15.0},
			to:      m{"temp": 15.0},
			want:    Ignore,
		},
		{
			name:    "attribute not published",
			matcher: AttributeMatcher{Attribute: "temp"},
			update:  m{"humidity": 50},
			from:    m{"temp": 10},
			to:      m{"temp": 10, "humidity": 50},
			want:    Ignore,
		},
		{
			name:    "any change fires without comparators",
			matcher: AttributeMatcher{Attribute: "temp"},
			update:  m{"temp": 11},
			from:    m{"temp": 10},
			to:      m{"temp": 11},
			want:    Fire,
		},
		{
			name:    "int and float compare equal",
			matcher: AttributeMatcher{Attribute: "level", Equal: 3},
			update:  m{"level": 3.0},
			from:    m{"level": 2.0},
			to:      m{"level": 3.0},
			want:    Fire,
		},
		{
			name:    "combined comparators ignore when one edge was already crossed",
			matcher: AttributeMatcher{Attribute: "temp", Above: ptr(18.0), Below: ptr(25.0)},
			update:  m{"temp": 20},
			from:    m{"temp": 16},
			to:      m{"temp": 20},
			want:    Ignore,
		},
		{
			name:    "state reached",
			matcher: StateMatcher{States: []any{"ON"}},
			update:  m{"state": "ON"},
			from:    m{"state": "OFF"},
			to:      m{"state": "ON"},
			want:    Fire,
		},
		{
			name:    "state left",
			matcher: StateMatcher{States: []any{"ON"}},
			update:  m{"state": "OFF"},
			from:    m{"state": "ON"},
			to:      m{"state": "OFF"},
			want:    Suppress,
		},
		{
			name:    "state unchanged",
			matcher: StateMatcher{States: []any{"ON"}},
			update:  m{"state": "ON", "brightness": 10},
			from:    m{"state": "ON"},
			to:      m{"state": "ON"},
			want:    Ignore,
		},
		{
			name:    "state not published",
			matcher: StateMatcher{States: []any{"ON"}},
			update:  m{"brightness": 10},
			from:    m{"state": "OFF"},
			to:      m{"state": "OFF", "brightness": 10},
			want:    Ignore,
		},
		{
			name:    "state in list",
			matcher: StateMatcher{States: []any{"OPEN", "OPENING"}},
			update:  m{"state": "OPENING"},
			from:    m{"state": "CLOSED"},
			to:      m{"state": "OPENING"},
			want:    Fire,
		},
		{
			name:   "no matcher",
			update: m{"state": "ON"},
			from:   m{"state": "OFF"},
			to:     m{"state": "ON"},
			want:   Suppress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := &EventTrigger{Entities: []string{"sensor"}, Matcher: tt.matcher}
			got, reason := EvaluateTrigger(trigger, tt.update, tt.from, tt.to)
			assert.Equal(t, tt.want, got, "reason: %s", reason)
		})
	}
}

func TestEvaluateTriggerPrecedence(t *testing.T) {
	// Building from config puts the action matcher ahead of attribute and
	// state matchers.
	trigger, err := buildTrigger(TriggerConfig{
		Entity:    OneOrMany[string]{"remote"},
		Action:    OneOrMany[string]{"on"},
		Attribute: "battery",
		State:     OneOrMany[any]{"ON"},
	}, fakeResolver{"remote": {ID: "0x01", Name: "remote"}})
	assert.NoError(t, err)
	assert.IsType(t, ActionMatcher{}, trigger.Event.Matcher)

	trigger, err = buildTrigger(TriggerConfig{
		Entity:    OneOrMany[string]{"remote"},
		Attribute: "power",
		State:     OneOrMany[any]{"ON"},
	}, fakeResolver{"remote": {ID: "0x01", Name: "remote"}})
	assert.NoError(t, err)
	assert.Equal(t, AttributeMatcher{Attribute: "power", Equal: "ON"}, trigger.Event.Matcher)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "fire", Fire.String())
	assert.Equal(t, "suppress", Suppress.String())
	assert.Equal(t, "ignore", Ignore.String())
}

package automation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testEnv(now time.Time, state fakeState) conditionEnv {
	return conditionEnv{
		now: now,
		resolver: fakeResolver{
			"light":  {ID: "0x01", Name: "light"},
			"sensor": {ID: "0x02", Name: "sensor"},
		},
		state:  state,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestTimeCondition(t *testing.T) {
	// Monday 12:00.
	noon := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cond TimeCondition
		want bool
	}{
		{name: "empty", cond: TimeCondition{}, want: true},
		{name: "weekday match", cond: TimeCondition{Weekdays: []string{"mon", "fri"}}, want: true},
		{name: "weekday miss", cond: TimeCondition{Weekdays: []string{"sat", "sun"}}, want: false},
		{name: "after passed", cond: TimeCondition{After: "11:00:00"}, want: true},
		{name: "after ahead", cond: TimeCondition{After: "13:00:00"}, want: false},
		{name: "before ahead", cond: TimeCondition{Before: "13:00:00"}, want: true},
		{name: "before passed", cond: TimeCondition{Before: "11:00:00"}, want: false},
		{name: "window inside", cond: TimeCondition{After: "08:00:00", Before: "18:00:00"}, want: true},
		{name: "exact boundaries hold", cond: TimeCondition{After: "12:00:00", Before: "12:00:00"}, want: true},
		{name: "wrapped window never holds", cond: TimeCondition{After: "22:00:00", Before: "06:00:00"}, want: false},
		{name: "malformed before ignored", cond: TimeCondition{Before: "noon"}, want: true},
		{name: "malformed after ignored", cond: TimeCondition{After: "1:00"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnv(noon, fakeState{})
			assert.Equal(t, tt.want, env.checkTime("test", &tt.cond))
		})
	}
}

func TestEntityCondition(t *testing.T) {
	state := fakeState{
		"light":  {"state": "ON", "brightness": 120},
		"sensor": {"temperature": 21.5, "occupancy": false, "label": "warm"},
	}

	tests := []struct {
		name string
		cond EntityCondition
		want bool
	}{
		{name: "state matches", cond: EntityCondition{Entity: "light", State: "ON"}, want: true},
		{name: "state differs", cond: EntityCondition{Entity: "light", State: "OFF"}, want: false},
		{name: "resolved by address", cond: EntityCondition{Entity: "0x01", State: "ON"}, want: true},
		{name: "unknown entity", cond: EntityCondition{Entity: "garage", State: "ON"}, want: false},
		{name: "attribute equal", cond: EntityCondition{Entity: "sensor", Attribute: "occupancy", Equal: false}, want: true},
		{name: "attribute not equal", cond: EntityCondition{Entity: "sensor", Attribute: "occupancy", NotEqual: false}, want: false},
		{name: "attribute above", cond: EntityCondition{Entity: "sensor", Attribute: "temperature", Above: ptr(20.0)}, want: true},
		{name: "attribute not above", cond: EntityCondition{Entity: "sensor", Attribute: "temperature", Above: ptr(21.5)}, want: false},
		{name: "attribute below", cond: EntityCondition{Entity: "light", Attribute: "brightness", Below: ptr(200.0)}, want: true},
		{name: "attribute range", cond: EntityCondition{Entity: "sensor", Attribute: "temperature", Above: ptr(18.0), Below: ptr(22.0)}, want: true},
		{name: "non numeric fails comparison", cond: EntityCondition{Entity: "sensor", Attribute: "label", Above: ptr(0.0)}, want: false},
		{name: "missing attribute fails comparison", cond: EntityCondition{Entity: "sensor", Attribute: "humidity", Below: ptr(50.0)}, want: false},
		{name: "int equals float", cond: EntityCondition{Entity: "light", Attribute: "brightness", Equal: 120.0}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnv(time.Now(), state)
			assert.Equal(t, tt.want, env.checkEntity("test", &tt.cond))
		})
	}
}

func TestAllConditions(t *testing.T) {
	saturday := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)
	env := testEnv(saturday, fakeState{"light": {"state": "OFF"}})

	assert.True(t, env.all("empty", nil))
	assert.True(t, env.all("both", []Condition{
		{Time: &TimeCondition{Weekdays: []string{"sat"}}},
		{Entity: &EntityCondition{Entity: "light", State: "OFF"}},
	}))
	assert.False(t, env.all("one fails", []Condition{
		{Time: &TimeCondition{Weekdays: []string{"sat"}}},
		{Entity: &EntityCondition{Entity: "light", State: "ON"}},
	}))
	assert.False(t, env.all("combined condition", []Condition{
		{
			Time:   &TimeCondition{After: "08:00:00"},
			Entity: &EntityCondition{Entity: "light", State: "ON"},
		},
	}))
}

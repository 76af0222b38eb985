package automation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventAutomation(name string, entities ...string) *Automation {
	return &Automation{
		Name:    name,
		Trigger: Trigger{Event: &EventTrigger{Entities: entities, Matcher: StateMatcher{States: []any{"ON"}}}},
	}
}

func timeAutomation(name, at string) *Automation {
	return &Automation{Name: name, Trigger: Trigger{Time: &TimeTrigger{At: at}}}
}

func solarAutomation(name, event string) *Automation {
	return &Automation{
		Name: name,
		Trigger: Trigger{Time: &TimeTrigger{
			At:        event,
			Latitude:  ptr(52.37),
			Longitude: ptr(4.89),
		}},
	}
}

func fixedSun(key string) SolarFunc {
	return func(time.Time, float64, float64, float64, string) (string, error) {
		return key, nil
	}
}

func TestRegistryIndices(t *testing.T) {
	r := NewRegistry()
	now := monday

	require.NoError(t, r.Register(eventAutomation("a", "sensor1", "sensor2"), now, nil))
	require.NoError(t, r.Register(eventAutomation("b", "sensor1"), now, nil))
	require.NoError(t, r.Register(timeAutomation("c", "07:00:00"), now, nil))
	require.NoError(t, r.Register(solarAutomation("d", "sunset"), now, fixedSun("21:30:00")))

	names := func(list []*Automation) []string {
		var out []string
		for _, a := range list {
			out = append(out, a.Name)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b"}, names(r.LookupByEntity("sensor1")))
	assert.Equal(t, []string{"a"}, names(r.LookupByEntity("sensor2")))
	assert.Empty(t, r.LookupByEntity("sensor3"))
	assert.Equal(t, []string{"07:00:00", "21:30:00"}, r.TimeKeys())
	assert.Equal(t, []string{"d"}, names(r.LookupByTime("21:30:00")))
	assert.Len(t, r.All(), 4)

	found, ok := r.Find("c")
	assert.True(t, ok)
	assert.Equal(t, "c", found.Name)
	_, ok = r.Find("z")
	assert.False(t, ok)
}

func TestRegistryRegisterErrors(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Automation{Name: "empty"}, monday, nil)
	assert.ErrorIs(t, err, ErrNoTrigger)

	err = r.Register(timeAutomation("bad", "25:00:00"), monday, nil)
	assert.ErrorIs(t, err, ErrInvalidTime)

	failing := func(time.Time, float64, float64, float64, string) (string, error) {
		return "", solarErr
	}
	err = r.Register(solarAutomation("polar", "sunrise"), monday, failing)
	assert.ErrorIs(t, err, solarErr)

	assert.Empty(t, r.All())
}

var solarErr = errors.New("no sunrise")

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	first := eventAutomation("multi", "sensor1")
	second := timeAutomation("multi", "07:00:00")
	shared := timeAutomation("other", "08:00:00")
	third := timeAutomation("multi", "08:00:00")

	for _, a := range []*Automation{first, second, shared, third} {
		require.NoError(t, r.Register(a, monday, nil))
	}

	held := r.LookupByTime("08:00:00")

	emptied := r.Remove("multi")
	assert.Equal(t, []string{"07:00:00"}, emptied)
	assert.True(t, first.removed)
	assert.True(t, second.removed)
	assert.True(t, third.removed)
	assert.False(t, shared.removed)

	assert.Empty(t, r.LookupByEntity("sensor1"))
	assert.Equal(t, []*Automation{shared}, r.LookupByTime("08:00:00"))
	assert.Equal(t, []string{"08:00:00"}, r.TimeKeys())

	// Slices handed out before the removal are left alone.
	assert.Len(t, held, 2)

	assert.Empty(t, r.Remove("multi"))
	assert.Empty(t, r.Remove("never-registered"))
	assert.Len(t, r.All(), 1)
}

func TestRegistryRekey(t *testing.T) {
	r := NewRegistry()
	fixed := timeAutomation("fixed", "07:00:00")
	sunset := solarAutomation("sunset", "sunset")
	require.NoError(t, r.Register(fixed, monday, nil))
	require.NoError(t, r.Register(sunset, monday, fixedSun("21:30:00")))

	require.NoError(t, r.Rekey(monday.AddDate(0, 0, 1), fixedSun("21:31:00")))
	assert.Equal(t, []string{"07:00:00", "21:31:00"}, r.TimeKeys())
	assert.Equal(t, []*Automation{sunset}, r.LookupByTime("21:31:00"))
	assert.Empty(t, r.LookupByTime("21:30:00"))

	failing := func(time.Time, float64, float64, float64, string) (string, error) {
		return "", solarErr
	}
	err := r.Rekey(monday.AddDate(0, 0, 2), failing)
	assert.ErrorIs(t, err, solarErr)
	assert.Equal(t, []*Automation{sunset}, r.LookupByTime("21:31:00"))
}

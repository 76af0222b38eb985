package solar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	amsterdamLat = 52.3676
	amsterdamLon = 4.9041
)

var midsummer = time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)

func TestEventTimeFormat(t *testing.T) {
	got, err := EventTime(midsummer, amsterdamLat, amsterdamLon, 0, Sunrise)
	require.NoError(t, err)
	require.Len(t, got, 8)

	parsed, err := time.Parse(time.TimeOnly, got)
	require.NoError(t, err)
	assert.Equal(t, 3, parsed.Hour(), "midsummer sunrise in Amsterdam is a little after 03:15 UTC, got %s", got)
}

func TestEventOrdering(t *testing.T) {
	order := []string{
		Dawn,
		Sunrise,
		SunriseEnd,
		GoldenHourEnd,
		SolarNoon,
		GoldenHour,
		SunsetStart,
		Sunset,
		Dusk,
	}

	var prev time.Time
	for _, name := range order {
		at, err := Time(midsummer, amsterdamLat, amsterdamLon, 0, name)
		require.NoError(t, err, name)
		if !prev.IsZero() {
			assert.True(t, at.After(prev), "%s (%s) should be after %s", name, at, prev)
		}
		prev = at
	}
}

func TestNadirIsTwelveHoursBeforeNoon(t *testing.T) {
	noon, err := Time(midsummer, amsterdamLat, amsterdamLon, 0, SolarNoon)
	require.NoError(t, err)

	nadir, err := Time(midsummer, amsterdamLat, amsterdamLon, 0, Nadir)
	require.NoError(t, err)

	assert.Equal(t, 12*time.Hour, noon.Sub(nadir))
}

func TestObserverElevationAdvancesSunrise(t *testing.T) {
	ground, err := Time(midsummer, amsterdamLat, amsterdamLon, 0, Sunrise)
	require.NoError(t, err)

	tower, err := Time(midsummer, amsterdamLat, amsterdamLon, 300, Sunrise)
	require.NoError(t, err)

	assert.True(t, tower.Before(ground))
}

func TestUnknownEvent(t *testing.T) {
	_, err := EventTime(midsummer, amsterdamLat, amsterdamLon, 0, "teatime")
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestIsEvent(t *testing.T) {
	for _, name := range Events() {
		assert.True(t, IsEvent(name), name)
	}
	assert.Len(t, Events(), 14)
	assert.False(t, IsEvent("07:00:00"))
}

func TestEventTimeUsesDateLocation(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	utc, err := Time(midsummer, amsterdamLat, amsterdamLon, 0, Sunset)
	require.NoError(t, err)

	got, err := EventTime(time.Date(2024, 6, 21, 0, 0, 0, 0, loc), amsterdamLat, amsterdamLon, 0, Sunset)
	require.NoError(t, err)
	assert.Equal(t, utc.In(loc).Format(time.TimeOnly), got)
}

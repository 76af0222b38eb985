// Package solar resolves named sun events to a local time of day.
package solar

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// ErrUnknownEvent is returned for names outside the supported event set.
var ErrUnknownEvent = errors.New("unknown solar event")

// ErrNoEvent is returned when the sun never reaches the event's elevation on
// the requested day, as happens close to the poles.
var ErrNoEvent = errors.New("solar event does not occur on this day")

const (
	Sunrise       = "sunrise"
	Sunset        = "sunset"
	SunriseEnd    = "sunriseEnd"
	SunsetStart   = "sunsetStart"
	Dawn          = "dawn"
	Dusk          = "dusk"
	NauticalDawn  = "nauticalDawn"
	NauticalDusk  = "nauticalDusk"
	NightEnd      = "nightEnd"
	Night         = "night"
	GoldenHourEnd = "goldenHourEnd"
	GoldenHour    = "goldenHour"
	SolarNoon     = "solarNoon"
	Nadir         = "nadir"
)

type elevationEvent struct {
	angle   float64
	morning bool
}

var elevationEvents = map[string]elevationEvent{
	Sunrise:       {angle: -0.833, morning: true},
	Sunset:        {angle: -0.833, morning: false},
	SunriseEnd:    {angle: -0.3, morning: true},
	SunsetStart:   {angle: -0.3, morning: false},
	Dawn:          {angle: -6, morning: true},
	Dusk:          {angle: -6, morning: false},
	NauticalDawn:  {angle: -12, morning: true},
	NauticalDusk:  {angle: -12, morning: false},
	NightEnd:      {angle: -18, morning: true},
	Night:         {angle: -18, morning: false},
	GoldenHourEnd: {angle: 6, morning: true},
	GoldenHour:    {angle: 6, morning: false},
}

// IsEvent reports whether name is a supported solar event.
func IsEvent(name string) bool {
	if name == SolarNoon || name == Nadir {
		return true
	}
	_, ok := elevationEvents[name]
	return ok
}

// Events lists the supported event names in sorted order.
func Events() []string {
	names := []string{SolarNoon, Nadir}
	for name := range elevationEvents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EventTime returns the time of day, formatted HH:MM:SS in date's location,
// at which event happens on date's calendar day for an observer at lat/lon
// standing elevation metres above the horizon.
func EventTime(date time.Time, lat, lon, elevation float64, event string) (string, error) {
	at, err := Time(date, lat, lon, elevation, event)
	if err != nil {
		return "", err
	}
	return at.In(date.Location()).Format(time.TimeOnly), nil
}

// Time is EventTime returning the full instant.
func Time(date time.Time, lat, lon, elevation float64, event string) (time.Time, error) {
	year, month, day := date.Date()

	switch event {
	case SolarNoon, Nadir:
		rise, set := pair(lat, lon, elevationEvents[Sunrise].angle+observerCorrection(elevation), year, month, day)
		if rise.IsZero() || set.IsZero() {
			return time.Time{}, fmt.Errorf("%s at %.4f,%.4f: %w", event, lat, lon, ErrNoEvent)
		}
		noon := rise.Add(set.Sub(rise) / 2)
		if event == Nadir {
			return noon.Add(-12 * time.Hour), nil
		}
		return noon, nil
	}

	ev, ok := elevationEvents[event]
	if !ok {
		return time.Time{}, fmt.Errorf("%q: %w", event, ErrUnknownEvent)
	}

	morning, evening := pair(lat, lon, ev.angle+observerCorrection(elevation), year, month, day)
	at := evening
	if ev.morning {
		at = morning
	}
	if at.IsZero() {
		return time.Time{}, fmt.Errorf("%s at %.4f,%.4f: %w", event, lat, lon, ErrNoEvent)
	}
	return at, nil
}

func pair(lat, lon, angle float64, year int, month time.Month, day int) (time.Time, time.Time) {
	return sunrise.TimeOfElevation(lat, lon, angle, year, month, day)
}

// observerCorrection lowers the horizon for an elevated observer, in degrees.
func observerCorrection(elevation float64) float64 {
	if elevation <= 0 {
		return 0
	}
	return -2.076 * math.Sqrt(elevation) / 60
}

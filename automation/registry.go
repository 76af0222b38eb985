package automation

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// SolarFunc resolves a named solar event to HH:MM:SS on date's day.
type SolarFunc func(date time.Time, lat, lon, elevation float64, event string) (string, error)

// Registry indexes automations by entity name and by clock string. It is not
// safe for concurrent use; Engine serialises access.
type Registry struct {
	all      []*Automation
	byEntity map[string][]*Automation
	byTime   map[string][]*Automation
}

func NewRegistry() *Registry {
	return &Registry{
		byEntity: make(map[string][]*Automation),
		byTime:   make(map[string][]*Automation),
	}
}

// Register indexes a. Event automations are appended under each of their
// entities; time automations under their clock string, resolved through sun
// for solar events on now's day.
func (r *Registry) Register(a *Automation, now time.Time, sun SolarFunc) error {
	switch {
	case a.Trigger.Time != nil:
		key, err := resolveTimeKey(a.Trigger.Time, now, sun)
		if err != nil {
			return fmt.Errorf("automation %q: %w", a.Name, err)
		}
		a.timeKey = key
		r.byTime[key] = append(r.byTime[key], a)
	case a.Trigger.Event != nil:
		for _, entity := range a.Trigger.Event.Entities {
			r.byEntity[entity] = append(r.byEntity[entity], a)
		}
	default:
		return fmt.Errorf("automation %q: %w", a.Name, ErrNoTrigger)
	}

	a.removed = false
	r.all = append(r.all, a)
	return nil
}

func resolveTimeKey(t *TimeTrigger, now time.Time, sun SolarFunc) (string, error) {
	if !t.Solar() {
		if _, ok := MatchTimeString(now, t.At); !ok {
			return "", fmt.Errorf("%q: %w", t.At, ErrInvalidTime)
		}
		return t.At, nil
	}

	if t.Latitude == nil || t.Longitude == nil {
		return "", fmt.Errorf("%s: %w", t.At, ErrSolarPosition)
	}
	key, err := sun(now, *t.Latitude, *t.Longitude, t.Elevation, t.At)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", t.At, err)
	}
	if _, ok := MatchTimeString(now, key); !ok {
		return "", fmt.Errorf("%s resolved to %q: %w", t.At, key, ErrInvalidTime)
	}
	return key, nil
}

// LookupByEntity returns a copy of the automations registered for entity, in
// registration order.
func (r *Registry) LookupByEntity(entity string) []*Automation {
	return append([]*Automation(nil), r.byEntity[entity]...)
}

// LookupByTime returns a copy of the automations registered for a clock string.
func (r *Registry) LookupByTime(key string) []*Automation {
	return append([]*Automation(nil), r.byTime[key]...)
}

// TimeKeys returns the registered clock strings in ascending order.
func (r *Registry) TimeKeys() []string {
	keys := make([]string, 0, len(r.byTime))
	for key := range r.byTime {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// All returns every registered automation in registration order.
func (r *Registry) All() []*Automation {
	return append([]*Automation(nil), r.all...)
}

// Find returns the first registered automation called name.
func (r *Registry) Find(name string) (*Automation, bool) {
	for _, a := range r.all {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Remove deregisters every automation called name from both indices and
// returns the clock strings left without automations. Removing an unknown
// name is a no-op.
func (r *Registry) Remove(name string) (emptiedTimeKeys []string) {
	keep := func(a *Automation) bool {
		if a.Name == name {
			a.removed = true
			return false
		}
		return true
	}

	r.all = filter(r.all, keep)

	for entity, list := range r.byEntity {
		kept := filter(list, keep)
		if len(kept) == 0 {
			delete(r.byEntity, entity)
			continue
		}
		r.byEntity[entity] = kept
	}

	for key, list := range r.byTime {
		kept := filter(list, keep)
		if len(kept) == 0 {
			delete(r.byTime, key)
			emptiedTimeKeys = append(emptiedTimeKeys, key)
			continue
		}
		r.byTime[key] = kept
	}

	sort.Strings(emptiedTimeKeys)
	return emptiedTimeKeys
}

// Rekey re-resolves every solar time trigger for now's day. Automations whose
// event cannot be resolved keep their previous key.
func (r *Registry) Rekey(now time.Time, sun SolarFunc) error {
	var errs []error
	byTime := make(map[string][]*Automation, len(r.byTime))

	for _, a := range r.all {
		if a.Trigger.Time == nil {
			continue
		}
		if a.Trigger.Time.Solar() {
			key, err := resolveTimeKey(a.Trigger.Time, now, sun)
			if err != nil {
				errs = append(errs, fmt.Errorf("automation %q: %w", a.Name, err))
			} else {
				a.timeKey = key
			}
		}
		byTime[a.timeKey] = append(byTime[a.timeKey], a)
	}

	r.byTime = byTime
	return errors.Join(errs...)
}

// filter builds a new slice so callers holding the old one are unaffected.
func filter(list []*Automation, keep func(*Automation) bool) []*Automation {
	out := make([]*Automation, 0, len(list))
	for _, a := range list {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

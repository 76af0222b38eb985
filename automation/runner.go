package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const (
	tokenTurnOn  = "turn_on"
	tokenTurnOff = "turn_off"
	tokenToggle  = "toggle"
)

// normalizePayload expands shorthand tokens and passes attribute maps through.
func normalizePayload(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case string:
		switch p {
		case tokenTurnOn:
			return map[string]any{"state": "ON"}, nil
		case tokenTurnOff:
			return map[string]any{"state": "OFF"}, nil
		case tokenToggle:
			return map[string]any{"state": "TOGGLE"}, nil
		}
	case map[string]any:
		return p, nil
	}
	return nil, fmt.Errorf("%v: %w", payload, ErrInvalidPayload)
}

func logLevel(name string) slog.Level {
	switch name {
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func (e *Engine) setTopic(entity Entity) string {
	return e.baseTopic + "/" + entity.Name + "/set"
}

// runActions dispatches a's actions in order. An unresolvable entity skips
// that action; an invalid payload aborts the rest of the run.
func (e *Engine) runActions(a *Automation, source string) {
	for _, action := range a.Actions {
		entity, ok := e.resolver.ResolveEntity(action.Entity)
		if !ok {
			e.logger.Error("action entity not found, skipping action",
				"automation", a.Name,
				"entity", action.Entity,
			)
			continue
		}

		data, err := normalizePayload(action.Payload)
		if err != nil {
			e.logger.Error("invalid action payload",
				"automation", a.Name,
				"entity", action.Entity,
				"error", err,
			)
			return
		}

		if !e.send(a.Name, entity, action.Logger, data, source) {
			return
		}

		if action.TurnOffAfter != nil && *action.TurnOffAfter > 0 {
			e.armTurnOff(a.Name, action)
		}
	}

	if a.ExecuteOnce {
		e.remove(a.Name)
	}
}

func (e *Engine) send(name string, entity Entity, level string, data map[string]any, source string) bool {
	body, err := json.Marshal(data)
	if err != nil {
		e.logger.Error("failed to encode action payload",
			"automation", name,
			"entity", entity.Name,
			"error", err,
		)
		return false
	}

	topic := e.setTopic(entity)
	e.logger.Log(context.Background(), logLevel(level), "running automation",
		"automation", name,
		"entity", entity.Name,
		"payload", string(body),
		"source", source,
	)

	e.deliverer.Deliver(topic, body)
	e.observer.ActionDispatched(Dispatch{
		Automation: name,
		Entity:     entity.Name,
		Topic:      topic,
		Payload:    body,
		Source:     source,
		Timestamp:  e.clock.Now(),
	})
	return true
}

// armTurnOff restarts the turn-off timer for (name, action entity).
func (e *Engine) armTurnOff(name string, action Action) {
	key := TimerKey{Family: FamilyTurnOff, Name: name, Entity: action.Entity}
	e.logger.Debug("starting turn_off_after timer",
		"automation", name,
		"entity", action.Entity,
		"seconds", *action.TurnOffAfter,
	)

	e.sched.Arm(key, seconds(*action.TurnOffAfter), func() {
		entity, ok := e.resolver.ResolveEntity(action.Entity)
		if !ok {
			e.logger.Error("turn_off_after entity not found",
				"automation", name,
				"entity", action.Entity,
			)
			return
		}
		e.send(name, entity, action.Logger, map[string]any{"state": "OFF"}, SourceTurnOffAfter)
	})
}

package automation

import (
	"log/slog"
	"slices"
	"time"
)

var weekdays = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// conditionEnv is what a condition is evaluated against.
type conditionEnv struct {
	now      time.Time
	resolver Resolver
	state    StateReader
	logger   *slog.Logger
}

// all reports whether every condition holds. An empty list holds.
func (env conditionEnv) all(name string, conditions []Condition) bool {
	for _, c := range conditions {
		if !env.check(name, c) {
			return false
		}
	}
	return true
}

func (env conditionEnv) check(name string, c Condition) bool {
	if c.Time != nil && !env.checkTime(name, c.Time) {
		return false
	}
	if c.Entity != nil && !env.checkEntity(name, c.Entity) {
		return false
	}
	return true
}

// checkTime fails open on malformed clock strings.
func (env conditionEnv) checkTime(name string, c *TimeCondition) bool {
	if len(c.Weekdays) > 0 && !slices.Contains(c.Weekdays, weekdays[env.now.Weekday()]) {
		env.logger.Debug("time condition false for weekday",
			"automation", name,
			"weekday", c.Weekdays,
		)
		return false
	}

	if c.Before != "" {
		before, ok := MatchTimeString(env.now, c.Before)
		switch {
		case !ok:
			env.logger.Error("invalid 'before' in condition, ignoring it",
				"automation", name,
				"before", c.Before,
			)
		case env.now.After(before):
			env.logger.Debug("time condition false for before", "automation", name, "before", c.Before)
			return false
		}
	}

	if c.After != "" {
		after, ok := MatchTimeString(env.now, c.After)
		switch {
		case !ok:
			env.logger.Error("invalid 'after' in condition, ignoring it",
				"automation", name,
				"after", c.After,
			)
		case env.now.Before(after):
			env.logger.Debug("time condition false for after", "automation", name, "after", c.After)
			return false
		}
	}

	return true
}

func (env conditionEnv) checkEntity(name string, c *EntityCondition) bool {
	entity, ok := env.resolver.ResolveEntity(c.Entity)
	if !ok {
		env.logger.Error("condition entity not found", "automation", name, "entity", c.Entity)
		return false
	}

	attr := c.Attribute
	if attr == "" {
		attr = stateAttribute
	}
	value, _ := env.state.Attribute(entity, attr)

	fail := func(reason string) bool {
		env.logger.Debug("entity condition false",
			"automation", name,
			"entity", c.Entity,
			"attribute", attr,
			"value", value,
			"reason", reason,
		)
		return false
	}

	if c.State != nil && !valuesEqual(value, c.State) {
		return fail("state mismatch")
	}
	if c.Equal != nil && !valuesEqual(value, c.Equal) {
		return fail("not equal")
	}
	if c.NotEqual != nil && valuesEqual(value, c.NotEqual) {
		return fail("equal to not_equal")
	}
	if c.Below != nil {
		if n, ok := toFloat(value); !ok || n >= *c.Below {
			return fail("not below")
		}
	}
	if c.Above != nil {
		if n, ok := toFloat(value); !ok || n <= *c.Above {
			return fail("not above")
		}
	}

	return true
}

package automation

import (
	"fmt"
	"slices"
)

const stateAttribute = "state"

// EvaluateTrigger matches an event trigger against one state change. The
// returned reason is meant for debug logging.
func EvaluateTrigger(t *EventTrigger, update, from, to map[string]any) (Verdict, string) {
	if t == nil {
		return Suppress, "not an event trigger"
	}

	switch m := t.Matcher.(type) {
	case ActionMatcher:
		return evaluateAction(m, update)
	case AttributeMatcher:
		return evaluateAttribute(m, update, from, to)
	case StateMatcher:
		return evaluateState(m, update, from, to)
	default:
		return Suppress, "no matcher configured"
	}
}

func evaluateAction(m ActionMatcher, update map[string]any) (Verdict, string) {
	action, ok := update["action"]
	if !ok {
		return Ignore, "no 'action' in update"
	}

	name, _ := action.(string)
	if slices.Contains(m.Actions, name) {
		return Fire, fmt.Sprintf("action %v matches %v", action, m.Actions)
	}
	return Suppress, fmt.Sprintf("action %v not in %v", action, m.Actions)
}

func evaluateAttribute(m AttributeMatcher, update, from, to map[string]any) (Verdict, string) {
	attr := m.Attribute
	if v, reason, done := changed(attr, update, from, to); done {
		return v, reason
	}

	current := to[attr]
	previous := from[attr]

	if m.Equal != nil {
		if !valuesEqual(current, m.Equal) {
			return Suppress, fmt.Sprintf("'%s' != %v", attr, m.Equal)
		}
		if valuesEqual(previous, m.Equal) {
			return Ignore, fmt.Sprintf("'%s' already = %v", attr, m.Equal)
		}
	}

	if m.NotEqual != nil {
		if valuesEqual(current, m.NotEqual) {
			return Suppress, fmt.Sprintf("'%s' = %v", attr, m.NotEqual)
		}
		if !valuesEqual(previous, m.NotEqual) {
			return Ignore, fmt.Sprintf("'%s' already != %v", attr, m.NotEqual)
		}
	}

	if m.Above != nil {
		n, ok := toFloat(current)
		if !ok || n <= *m.Above {
			return Suppress, fmt.Sprintf("'%s' <= %v", attr, *m.Above)
		}
		if p, ok := toFloat(previous); ok && p > *m.Above {
			return Ignore, fmt.Sprintf("'%s' already > %v", attr, *m.Above)
		}
	}

	if m.Below != nil {
		n, ok := toFloat(current)
		if !ok || n >= *m.Below {
			return Suppress, fmt.Sprintf("'%s' >= %v", attr, *m.Below)
		}
		if p, ok := toFloat(previous); ok && p < *m.Below {
			return Ignore, fmt.Sprintf("'%s' already < %v", attr, *m.Below)
		}
	}

	return Fire, fmt.Sprintf("'%s' changed to %v", attr, current)
}

func evaluateState(m StateMatcher, update, from, to map[string]any) (Verdict, string) {
	if v, reason, done := changed(stateAttribute, update, from, to); done {
		return v, reason
	}

	if !containsValue(m.States, to[stateAttribute]) {
		return Suppress, fmt.Sprintf("state %v not in %v", to[stateAttribute], m.States)
	}
	return Fire, fmt.Sprintf("state is %v", to[stateAttribute])
}

// changed applies the rules shared by attribute and state matchers: the
// attribute must be published and must differ from its previous value.
func changed(attr string, update, from, to map[string]any) (Verdict, string, bool) {
	if _, ok := update[attr]; !ok {
		return Ignore, fmt.Sprintf("no '%s' published", attr), true
	}
	current, ok := to[attr]
	if !ok {
		return Ignore, fmt.Sprintf("no '%s' published", attr), true
	}
	if previous, ok := from[attr]; ok && valuesEqual(previous, current) {
		return Ignore, fmt.Sprintf("no '%s' change", attr), true
	}
	return Ignore, "", false
}

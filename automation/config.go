package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config is an automations file: entries in file order.
type Config struct {
	Entries []NamedEntry
}

// NamedEntry is one automation definition.
type NamedEntry struct {
	Name  string
	Entry Entry
}

// Entry mirrors the on-disk automation definition. Trigger, Action and
// Condition accept a single object or a list.
type Entry struct {
	Active      *bool                      `json:"active,omitempty" yaml:"active,omitempty"`
	ExecuteOnce bool                       `json:"execute_once,omitempty" yaml:"execute_once,omitempty"`
	Trigger     OneOrMany[TriggerConfig]   `json:"trigger" yaml:"trigger"`
	Action      OneOrMany[ActionConfig]    `json:"action" yaml:"action"`
	Condition   OneOrMany[ConditionConfig] `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// IsActive reports whether the entry should be registered.
func (e Entry) IsActive() bool {
	return e.Active == nil || *e.Active
}

type TriggerConfig struct {
	Entity    OneOrMany[string] `json:"entity,omitempty" yaml:"entity,omitempty"`
	Time      string            `json:"time,omitempty" yaml:"time,omitempty"`
	Latitude  *float64          `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude *float64          `json:"longitude,omitempty" yaml:"longitude,omitempty"`
	Elevation *float64          `json:"elevation,omitempty" yaml:"elevation,omitempty"`
	For       *float64          `json:"for,omitempty" yaml:"for,omitempty"`
	Action    OneOrMany[string] `json:"action,omitempty" yaml:"action,omitempty"`
	State     OneOrMany[any]    `json:"state,omitempty" yaml:"state,omitempty"`
	Attribute string            `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Equal     any               `json:"equal,omitempty" yaml:"equal,omitempty"`
	NotEqual  any               `json:"not_equal,omitempty" yaml:"not_equal,omitempty"`
	Above     *float64          `json:"above,omitempty" yaml:"above,omitempty"`
	Below     *float64          `json:"below,omitempty" yaml:"below,omitempty"`
}

type ActionConfig struct {
	Entity       string   `json:"entity" yaml:"entity"`
	Payload      any      `json:"payload" yaml:"payload"`
	TurnOffAfter *float64 `json:"turn_off_after,omitempty" yaml:"turn_off_after,omitempty"`
	Logger       string   `json:"logger,omitempty" yaml:"logger,omitempty"`
}

type ConditionConfig struct {
	Entity    string   `json:"entity,omitempty" yaml:"entity,omitempty"`
	State     any      `json:"state,omitempty" yaml:"state,omitempty"`
	Attribute string   `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Equal     any      `json:"equal,omitempty" yaml:"equal,omitempty"`
	NotEqual  any      `json:"not_equal,omitempty" yaml:"not_equal,omitempty"`
	Above     *float64 `json:"above,omitempty" yaml:"above,omitempty"`
	Below     *float64 `json:"below,omitempty" yaml:"below,omitempty"`
	After     string   `json:"after,omitempty" yaml:"after,omitempty"`
	Before    string   `json:"before,omitempty" yaml:"before,omitempty"`
	Weekday   []string `json:"weekday,omitempty" yaml:"weekday,omitempty"`
}

// OneOrMany decodes either a single value or a list of values.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*o = OneOrMany[T]{one}
	return nil
}

func (o *OneOrMany[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var many []T
		if err := node.Decode(&many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	if node.Tag == "!!null" {
		*o = nil
		return nil
	}
	var one T
	if err := node.Decode(&one); err != nil {
		return err
	}
	*o = OneOrMany[T]{one}
	return nil
}

// LoadFile reads an automations file. Files ending in .yaml or .yml are YAML,
// everything else is HuJSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read automations file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseHuJSON(data)
	}
}

// ParseHuJSON parses a JSON object of name to entry, comments and trailing
// commas allowed, preserving entry order.
func ParseHuJSON(data []byte) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read automations: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("automations must be an object of name to automation")
	}

	cfg := &Config{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read automation name: %w", err)
		}
		name, _ := tok.(string)

		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode automation %q: %w", name, err)
		}
		if err := cfg.add(name, entry); err != nil {
			return nil, err
		}
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read automations: %w", err)
	}

	return cfg, nil
}

// ParseYAML parses a YAML mapping of name to entry, preserving entry order.
func ParseYAML(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := &Config{}
	if len(doc.Content) == 0 {
		return cfg, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("automations must be a mapping of name to automation")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value

		var entry Entry
		if err := root.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode automation %q: %w", name, err)
		}
		if err := cfg.add(name, entry); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) add(name string, entry Entry) error {
	if name == "" {
		return fmt.Errorf("automation without a name")
	}
	for _, existing := range c.Entries {
		if existing.Name == name {
			return fmt.Errorf("%q: %w", name, ErrDuplicateName)
		}
	}
	c.Entries = append(c.Entries, NamedEntry{Name: name, Entry: entry})
	return nil
}

// Build validates an entry and returns one Automation per trigger. Entity
// references are resolved here; nothing is registered.
func Build(name string, entry Entry, resolver Resolver) ([]*Automation, error) {
	if len(entry.Trigger) == 0 {
		return nil, fmt.Errorf("automation %q: %w", name, ErrNoTrigger)
	}
	if len(entry.Action) == 0 {
		return nil, fmt.Errorf("automation %q: %w", name, ErrNoAction)
	}

	actions := make([]Action, 0, len(entry.Action))
	for _, a := range entry.Action {
		if a.Entity == "" {
			return nil, fmt.Errorf("automation %q: action entity not defined: %w", name, ErrEntityNotFound)
		}
		if _, ok := resolver.ResolveEntity(a.Entity); !ok {
			return nil, fmt.Errorf("automation %q: action entity %q: %w", name, a.Entity, ErrEntityNotFound)
		}
		if a.Payload == nil {
			return nil, fmt.Errorf("automation %q: action for %q: %w", name, a.Entity, ErrNoPayload)
		}
		actions = append(actions, Action{
			Entity:       a.Entity,
			Payload:      a.Payload,
			TurnOffAfter: a.TurnOffAfter,
			Logger:       a.Logger,
		})
	}

	conditions := make([]Condition, 0, len(entry.Condition))
	for _, c := range entry.Condition {
		cond, err := buildCondition(c, resolver)
		if err != nil {
			return nil, fmt.Errorf("automation %q: %w", name, err)
		}
		conditions = append(conditions, cond)
	}

	automations := make([]*Automation, 0, len(entry.Trigger))
	for _, t := range entry.Trigger {
		trigger, err := buildTrigger(t, resolver)
		if err != nil {
			return nil, fmt.Errorf("automation %q: %w", name, err)
		}
		automations = append(automations, &Automation{
			Name:        name,
			ExecuteOnce: entry.ExecuteOnce,
			Trigger:     trigger,
			Conditions:  conditions,
			Actions:     actions,
		})
	}

	return automations, nil
}

func buildTrigger(t TriggerConfig, resolver Resolver) (Trigger, error) {
	if t.Time != "" {
		tt := &TimeTrigger{
			At:        t.Time,
			Latitude:  t.Latitude,
			Longitude: t.Longitude,
		}
		if t.Elevation != nil {
			tt.Elevation = *t.Elevation
		}

		if tt.Solar() {
			if tt.Latitude == nil || tt.Longitude == nil {
				return Trigger{}, fmt.Errorf("%s: %w", t.Time, ErrSolarPosition)
			}
		} else if _, ok := MatchTimeString(time.Time{}, t.Time); !ok {
			return Trigger{}, fmt.Errorf("%q: %w", t.Time, ErrInvalidTime)
		}

		return Trigger{Time: tt}, nil
	}

	if len(t.Entity) == 0 {
		return Trigger{}, ErrNoEntity
	}

	et := &EventTrigger{For: t.For}
	for _, id := range t.Entity {
		entity, ok := resolver.ResolveEntity(id)
		if !ok {
			return Trigger{}, fmt.Errorf("trigger entity %q: %w", id, ErrEntityNotFound)
		}
		et.Entities = append(et.Entities, entity.Name)
	}

	switch {
	case len(t.Action) > 0:
		et.Matcher = ActionMatcher{Actions: t.Action}
	case t.Attribute != "":
		m := AttributeMatcher{
			Attribute: t.Attribute,
			Equal:     t.Equal,
			NotEqual:  t.NotEqual,
			Above:     t.Above,
			Below:     t.Below,
		}
		if m.Equal == nil && len(t.State) > 0 {
			m.Equal = t.State[0]
		}
		et.Matcher = m
	case len(t.State) > 0:
		et.Matcher = StateMatcher{States: t.State}
	}

	return Trigger{Event: et}, nil
}

func buildCondition(c ConditionConfig, resolver Resolver) (Condition, error) {
	var cond Condition

	if c.After != "" || c.Before != "" || len(c.Weekday) > 0 {
		cond.Time = &TimeCondition{
			After:    c.After,
			Before:   c.Before,
			Weekdays: c.Weekday,
		}
	}

	if c.Entity != "" {
		if _, ok := resolver.ResolveEntity(c.Entity); !ok {
			return Condition{}, fmt.Errorf("condition entity %q: %w", c.Entity, ErrEntityNotFound)
		}
		cond.Entity = &EntityCondition{
			Entity:    c.Entity,
			State:     c.State,
			Attribute: c.Attribute,
			Equal:     c.Equal,
			NotEqual:  c.NotEqual,
			Above:     c.Above,
			Below:     c.Below,
		}
	}

	if cond.Time == nil && cond.Entity == nil {
		return Condition{}, ErrUnknownCondition
	}

	return cond, nil
}

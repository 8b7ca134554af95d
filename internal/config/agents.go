// ABOUTME: Agent enable/disable list parsing and resolution
// ABOUTME: Accepts "all, -stats" strings or lists and protects the required agents

package config

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentList is an agent selection written either as a comma separated
// string or as a list. Entries prefixed with '-' disable an agent.
type AgentList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *AgentList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitAgents(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = splitAgents(strings.Join(items, ","))
		return nil
	default:
		return fmt.Errorf("agents must be a string or a list, got %v", value.Tag)
	}
}

// UnmarshalTOML implements toml.Unmarshaler.
func (l *AgentList) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		*l = splitAgents(v)
		return nil
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("agents entries must be strings, got %T", item)
			}
			items = append(items, s)
		}
		*l = splitAgents(strings.Join(items, ","))
		return nil
	default:
		return fmt.Errorf("agents must be a string or a list, got %T", data)
	}
}

func splitAgents(s string) AgentList {
	var out AgentList
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ResolveAgents turns a selection into enabled and disabled sets. The
// required agents are always enabled and can never be disabled. Enabling and
// disabling the same agent is an error.
func ResolveAgents(list AgentList) (enabled, disabled []string, err error) {
	for _, item := range list {
		if name, ok := strings.CutPrefix(item, "-"); ok {
			disabled = appendUnique(disabled, name)
		} else {
			enabled = appendUnique(enabled, item)
		}
	}

	if slices.Contains(disabled, "all") {
		disabled = []string{"all"}
	}
	disabled = slices.DeleteFunc(disabled, func(name string) bool {
		return slices.Contains(RequiredAgents, name)
	})

	if slices.Contains(enabled, "all") {
		enabled = []string{"all"}
	} else {
		for _, name := range RequiredAgents {
			enabled = appendUnique(enabled, name)
		}
	}

	var conflicts []string
	for _, name := range enabled {
		if slices.Contains(disabled, name) {
			conflicts = append(conflicts, name)
		}
	}
	if len(conflicts) > 0 {
		return nil, nil, fmt.Errorf("conflicting enabled/disabled agents: [%s] - an agent can not be both enabled and disabled",
			strings.Join(conflicts, ", "))
	}

	return enabled, disabled, nil
}

// AgentEnabled reports whether the instance may dispatch to the named agent.
func (o *OperatorConfig) AgentEnabled(name string) bool {
	return AgentAllowed(name, o.Enabled, o.Disabled)
}

// AgentAllowed applies resolved enable/disable sets to one agent name.
func AgentAllowed(name string, enabled, disabled []string) bool {
	name = strings.ToLower(name)
	if slices.Contains(RequiredAgents, name) {
		return true
	}
	if slices.Contains(enabled, name) {
		return true
	}
	if slices.Contains(disabled, name) || slices.Contains(disabled, "all") {
		return false
	}
	return slices.Contains(enabled, "all")
}

// Settings returns the per-agent settings block, never nil.
func (a AgentConfig) Settings(agent string) map[string]any {
	if s, ok := a[agent]; ok && s != nil {
		return s
	}
	return map[string]any{}
}

func appendUnique(list []string, item string) []string {
	if slices.Contains(list, item) {
		return list
	}
	return append(list, item)
}

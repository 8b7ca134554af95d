// ABOUTME: Tests for agent selection parsing and resolution
// ABOUTME: Covers required agents, "all" handling and conflicts

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAgentList_UnmarshalYAML(t *testing.T) {
	var s struct {
		A AgentList `yaml:"a"`
		B AgentList `yaml:"b"`
	}
	err := yaml.Unmarshal([]byte("a: \"Ping, -Stats ,file\"\nb: [all, \"-file\"]\n"), &s)
	require.NoError(t, err)

	assert.Equal(t, AgentList{"ping", "-stats", "file"}, s.A)
	assert.Equal(t, AgentList{"all", "-file"}, s.B)
}

func TestAgentList_UnmarshalTOML(t *testing.T) {
	var l AgentList
	require.NoError(t, l.UnmarshalTOML("ping,-file"))
	assert.Equal(t, AgentList{"ping", "-file"}, l)

	require.NoError(t, l.UnmarshalTOML([]any{"all", "-stats"}))
	assert.Equal(t, AgentList{"all", "-stats"}, l)

	assert.Error(t, l.UnmarshalTOML(42))
	assert.Error(t, l.UnmarshalTOML([]any{1}))
}

func TestResolveAgents(t *testing.T) {
	tests := []struct {
		name         string
		list         AgentList
		wantEnabled  []string
		wantDisabled []string
	}{
		{"all", AgentList{"all"}, []string{"all"}, nil},
		{"all minus stats", AgentList{"all", "-stats"}, []string{"all"}, []string{"stats"}},
		{"explicit list gets required", AgentList{"stats"}, []string{"stats", "emissary", "ping", "error"}, nil},
		{"required cannot be disabled", AgentList{"all", "-ping", "-error"}, []string{"all"}, []string{}},
		{"disable all collapses", AgentList{"-stats", "-all", "-file"}, []string{"emissary", "ping", "error"}, []string{"all"}},
		{"enable all collapses", AgentList{"stats", "all"}, []string{"all"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled, disabled, err := ResolveAgents(tt.list)
			require.NoError(t, err)
			assert.Equal(t, tt.wantEnabled, enabled)
			if len(tt.wantDisabled) == 0 {
				assert.Empty(t, disabled)
			} else {
				assert.Equal(t, tt.wantDisabled, disabled)
			}
		})
	}
}

func TestResolveAgents_Conflict(t *testing.T) {
	_, _, err := ResolveAgents(AgentList{"stats", "file", "-stats", "-file"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[stats, file]")
}

func TestAgentAllowed(t *testing.T) {
	assert.True(t, AgentAllowed("ping", nil, []string{"all"}))
	assert.True(t, AgentAllowed("Stats", []string{"stats"}, []string{"all"}))
	assert.False(t, AgentAllowed("file", []string{"all"}, []string{"file"}))
	assert.True(t, AgentAllowed("file", []string{"all"}, nil))
	assert.False(t, AgentAllowed("file", []string{"ping"}, nil))
	assert.False(t, AgentAllowed("file", []string{"all"}, []string{"all"}))
}

func TestAgentConfig_Settings(t *testing.T) {
	var empty AgentConfig
	assert.NotNil(t, empty.Settings("stats"))

	cfg := AgentConfig{"stats": {"disks": []any{"/"}}}
	assert.Equal(t, []any{"/"}, cfg.Settings("stats")["disks"])
}

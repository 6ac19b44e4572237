package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AgentConfig is the static configuration of one agent. One queue exists per
// configured agent.
type AgentConfig struct {
	ID string `json:"id"`
	// AllowAgents lists targets this agent may dispatch to. "*" grants a
	// wildcard. Dispatching to yourself is always allowed.
	AllowAgents []string `json:"allowAgents,omitempty"`
	// Per-agent subagent overrides; empty falls through the layered default
	// chain (job > these > default-subagent > default-primary > platform).
	SubagentModel    string `json:"subagentModel,omitempty"`
	SubagentThinking string `json:"subagentThinking,omitempty"`
}

// AllowsTarget reports whether the agent may dispatch to target.
func (a AgentConfig) AllowsTarget(target string) bool {
	if target == a.ID {
		return true
	}
	for _, id := range a.AllowAgents {
		if id == "*" || id == target {
			return true
		}
	}
	return false
}

// AgentRegistry holds every configured agent keyed by id.
type AgentRegistry struct {
	agents map[string]AgentConfig
	order  []string
}

// NewAgentRegistry builds a registry from a list of agent configs.
func NewAgentRegistry(agents []AgentConfig) (*AgentRegistry, error) {
	r := &AgentRegistry{agents: make(map[string]AgentConfig, len(agents))}
	for _, a := range agents {
		if a.ID == "" {
			return nil, fmt.Errorf("op=config.NewAgentRegistry: agent with empty id")
		}
		if _, dup := r.agents[a.ID]; dup {
			return nil, fmt.Errorf("op=config.NewAgentRegistry: duplicate agent %q", a.ID)
		}
		r.agents[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	return r, nil
}

// LoadAgents reads the agents file (JSON array of AgentConfig).
func LoadAgents(path string) (*AgentRegistry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadAgents: %w", err)
	}
	var agents []AgentConfig
	if err := json.Unmarshal(b, &agents); err != nil {
		return nil, fmt.Errorf("op=config.LoadAgents: parse %s: %w", path, err)
	}
	return NewAgentRegistry(agents)
}

// Get returns the config for id.
func (r *AgentRegistry) Get(id string) (AgentConfig, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// IDs returns agent ids in configuration order.
func (r *AgentRegistry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

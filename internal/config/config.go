package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"switchyard/internal/domain"
)

// Config models switchyard.yml: per-type workflow definitions plus engine
// tuning. Statuses and transitions are configuration, not code.
type Config struct {
	Engine struct {
		MaxCascadeDepth *int `yaml:"max_cascade_depth"`
	} `yaml:"engine"`
	Workflows map[string]Workflow `yaml:"workflows"`
}

// Workflow is the state machine for one item type.
type Workflow struct {
	Statuses    []string     `yaml:"statuses"`
	Initial     string       `yaml:"initial"`
	Terminal    []string     `yaml:"terminal"`
	Transitions []Transition `yaml:"transitions"`
}

// Transition is one legal move within a workflow.
type Transition struct {
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	Condition      string `yaml:"condition,omitempty"`
	Effect         string `yaml:"effect,omitempty"`
	EffectRequired bool   `yaml:"effect_required,omitempty"`
	Description    string `yaml:"description,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sy workflow import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks the structural invariants of the workflow definitions.
// Condition and effect names are validated separately against the engine's
// catalogs when the workflow is synced into the store.
func (c *Config) Validate() error {
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	if c.Engine.MaxCascadeDepth != nil && *c.Engine.MaxCascadeDepth < 0 {
		return fmt.Errorf("config.engine.max_cascade_depth must not be negative")
	}
	for typeName, wf := range c.Workflows {
		if !domain.ItemType(typeName).Valid() {
			return fmt.Errorf("workflow for unknown item type %q", typeName)
		}
		if len(wf.Statuses) == 0 {
			return fmt.Errorf("workflow %s: statuses is required", typeName)
		}
		known := map[string]bool{}
		for _, s := range wf.Statuses {
			if s == "" {
				return fmt.Errorf("workflow %s: empty status", typeName)
			}
			if known[s] {
				return fmt.Errorf("workflow %s: duplicate status %s", typeName, s)
			}
			known[s] = true
		}
		if wf.Initial == "" {
			return fmt.Errorf("workflow %s: initial status is required", typeName)
		}
		if !known[wf.Initial] {
			return fmt.Errorf("workflow %s: initial status %s not declared", typeName, wf.Initial)
		}
		terminal := map[string]bool{}
		for _, s := range wf.Terminal {
			if !known[s] {
				return fmt.Errorf("workflow %s: terminal status %s not declared", typeName, s)
			}
			terminal[s] = true
		}
		seen := map[[2]string]bool{}
		for _, t := range wf.Transitions {
			if !known[t.From] {
				return fmt.Errorf("workflow %s: transition from undeclared status %s", typeName, t.From)
			}
			if !known[t.To] {
				return fmt.Errorf("workflow %s: transition to undeclared status %s", typeName, t.To)
			}
			if t.From == t.To {
				return fmt.Errorf("workflow %s: self transition %s -> %s", typeName, t.From, t.To)
			}
			key := [2]string{t.From, t.To}
			if seen[key] {
				return fmt.Errorf("workflow %s: duplicate transition %s -> %s", typeName, t.From, t.To)
			}
			seen[key] = true
			if t.EffectRequired && t.Effect == "" {
				return fmt.Errorf("workflow %s: transition %s -> %s marks effect required but names none", typeName, t.From, t.To)
			}
		}
	}
	return nil
}

// WorkflowFor returns the workflow for an item type.
func (c *Config) WorkflowFor(t domain.ItemType) (Workflow, bool) {
	wf, ok := c.Workflows[string(t)]
	return wf, ok
}

// InitialStatus returns the configured initial status for an item type.
func (c *Config) InitialStatus(t domain.ItemType) string {
	if wf, ok := c.WorkflowFor(t); ok {
		return wf.Initial
	}
	return ""
}

// MaxCascadeDepth returns the cascade bound, falling back to the default.
// An explicit 0 disables cascades entirely.
func (c *Config) MaxCascadeDepth() int {
	if c == nil || c.Engine.MaxCascadeDepth == nil {
		return 5
	}
	return *c.Engine.MaxCascadeDepth
}

// Rules flattens the workflows into persistable transition rules.
func (c *Config) Rules() []domain.TransitionRule {
	var rules []domain.TransitionRule
	for _, t := range domain.ItemTypes {
		wf, ok := c.WorkflowFor(t)
		if !ok {
			continue
		}
		for _, tr := range wf.Transitions {
			rules = append(rules, domain.TransitionRule{
				ItemType:       t,
				FromStatus:     tr.From,
				ToStatus:       tr.To,
				Condition:      tr.Condition,
				Effect:         tr.Effect,
				EffectRequired: tr.EffectRequired,
				Description:    tr.Description,
			})
		}
	}
	return rules
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "switchyard.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in workflow configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `engine:
  max_cascade_depth: 5

workflows:
  issue:
    statuses: [new, triaged, in_progress, resolved, duplicate, wont_fix]
    initial: new
    terminal: [resolved, duplicate, wont_fix]
    transitions:
      - {from: new, to: triaged, description: "Triage"}
      - {from: new, to: duplicate, description: "Close as duplicate"}
      - {from: new, to: wont_fix, description: "Close as won't fix"}
      - {from: triaged, to: in_progress, description: "Start work"}
      - {from: triaged, to: duplicate, description: "Close as duplicate"}
      - {from: triaged, to: wont_fix, description: "Close as won't fix"}
      - {from: in_progress, to: resolved, description: "Resolve"}
      - {from: in_progress, to: wont_fix, description: "Abandon"}
      - {from: resolved, to: in_progress, description: "Reopen"}

  feature:
    statuses: [draft, planned, in_progress, blocked, completed, cancelled]
    initial: draft
    terminal: [completed, cancelled]
    transitions:
      - {from: draft, to: planned, description: "Plan"}
      - {from: planned, to: in_progress, description: "Start build"}
      - {from: planned, to: cancelled, description: "Cancel"}
      - {from: in_progress, to: completed, condition: all_children_done,
         effect: archive-plan, description: "Complete"}
      - {from: in_progress, to: blocked, description: "Block"}
      - {from: blocked, to: in_progress, description: "Unblock"}
      - {from: completed, to: in_progress, description: "Reopen"}
      - {from: cancelled, to: planned, description: "Revive"}

  task:
    statuses: [todo, in_progress, blocked, completed, cancelled]
    initial: todo
    terminal: [completed, cancelled]
    transitions:
      - {from: todo, to: in_progress, effect: stamp-start, description: "Start"}
      - {from: todo, to: cancelled, description: "Cancel"}
      - {from: in_progress, to: completed, effect: check-parent-completion,
         description: "Complete"}
      - {from: in_progress, to: blocked, description: "Block"}
      - {from: in_progress, to: cancelled, description: "Cancel"}
      - {from: blocked, to: in_progress, description: "Unblock"}
      - {from: blocked, to: todo, description: "Back to todo"}
      - {from: blocked, to: cancelled, description: "Cancel"}
`

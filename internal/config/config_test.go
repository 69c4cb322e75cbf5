package config_test

import (
	"strings"
	"testing"

	"switchyard/internal/config"
	"switchyard/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if len(cfg.Workflows) != 3 {
		t.Fatalf("expected workflows for all three item types, got %d", len(cfg.Workflows))
	}
	if cfg.InitialStatus(domain.ItemTypeTask) != "todo" {
		t.Fatalf("task initial = %s", cfg.InitialStatus(domain.ItemTypeTask))
	}
	if cfg.InitialStatus(domain.ItemTypeIssue) != "new" {
		t.Fatalf("issue initial = %s", cfg.InitialStatus(domain.ItemTypeIssue))
	}
	rules := cfg.Rules()
	if len(rules) == 0 {
		t.Fatal("no rules flattened")
	}
	seen := map[string]bool{}
	for _, r := range rules {
		key := string(r.ItemType) + "|" + r.FromStatus + "|" + r.ToStatus
		if seen[key] {
			t.Fatalf("duplicate rule %s", key)
		}
		seen[key] = true
	}
	if !seen["task|todo|in_progress"] || !seen["feature|in_progress|completed"] {
		t.Fatal("expected core rules missing")
	}
}

func TestValidateRejectsBadWorkflows(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown item type",
			yaml: `workflows:
  widget:
    statuses: [a, b]
    initial: a
    transitions: [{from: a, to: b}]`,
			want: "unknown item type",
		},
		{
			name: "undeclared transition status",
			yaml: `workflows:
  issue:
    statuses: [new]
    initial: new
    transitions: [{from: new, to: gone}]`,
			want: "undeclared status",
		},
		{
			name: "self transition",
			yaml: `workflows:
  issue:
    statuses: [new]
    initial: new
    transitions: [{from: new, to: new}]`,
			want: "self transition",
		},
		{
			name: "duplicate transition",
			yaml: `workflows:
  issue:
    statuses: [new, triaged]
    initial: new
    transitions: [{from: new, to: triaged}, {from: new, to: triaged}]`,
			want: "duplicate transition",
		},
		{
			name: "effect required without effect",
			yaml: `workflows:
  issue:
    statuses: [new, triaged]
    initial: new
    transitions: [{from: new, to: triaged, effect_required: true}]`,
			want: "effect required",
		},
		{
			name: "missing initial",
			yaml: `workflows:
  issue:
    statuses: [new]
    transitions: []`,
			want: "initial status",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestMaxCascadeDepth(t *testing.T) {
	cfg := config.Default()
	if cfg.MaxCascadeDepth() != 5 {
		t.Fatalf("default depth = %d", cfg.MaxCascadeDepth())
	}
	zero := 0
	cfg.Engine.MaxCascadeDepth = &zero
	if cfg.MaxCascadeDepth() != 0 {
		t.Fatal("explicit zero should disable cascades")
	}
	_, err := config.FromYAML([]byte(`engine:
  max_cascade_depth: -1
workflows:
  issue:
    statuses: [new]
    initial: new
    transitions: []`))
	if err == nil {
		t.Fatal("negative depth should be rejected")
	}
}

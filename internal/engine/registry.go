package engine

import (
	"context"

	"switchyard/internal/config"
	"switchyard/internal/domain"
)

// ValidateRules checks every rule's condition and effect name against the
// engine's closed catalogs. Workflow definitions are data; the behaviors they
// name are code, so a typo here must fail loudly before any rule is stored.
func ValidateRules(rules []domain.TransitionRule) error {
	for _, r := range rules {
		if r.Condition != "" {
			if _, ok := conditions[r.Condition]; !ok {
				return &UnknownConditionError{Condition: r.Condition}
			}
		}
		if r.Effect != "" {
			if _, ok := effects[r.Effect]; !ok {
				return &UnknownEffectError{Effect: r.Effect}
			}
		}
	}
	return nil
}

// SyncWorkflow replaces the stored transition rules with the given
// configuration's, after catalog validation. Items keep their current status
// even if the new workflow no longer declares it; they simply have no legal
// moves until a rule covers them again.
func (e Engine) SyncWorkflow(ctx context.Context, cfg *config.Config) (int, error) {
	rules := cfg.Rules()
	if err := ValidateRules(rules); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceRulesTx(ctx, tx, rules); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// EnsureWorkflow seeds the built-in workflow when none is stored yet.
func (e Engine) EnsureWorkflow(ctx context.Context) error {
	n, err := e.Repo.CountRules(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = e.SyncWorkflow(ctx, config.Default())
	return err
}

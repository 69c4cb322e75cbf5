package engine

import (
	"errors"
	"fmt"
	"strings"

	"switchyard/internal/domain"
)

var (
	// ErrConflict is returned when a concurrent transition moved the item
	// out of the expected status before this one committed.
	ErrConflict = errors.New("item changed concurrently, retry")

	// ErrCascadeDepth is returned when cascaded transitions exceed the
	// configured bound.
	ErrCascadeDepth = errors.New("cascade depth limit exceeded")
)

// InvalidTransitionError means no rule allows the requested move. It carries
// the legal next statuses so callers can show them.
type InvalidTransitionError struct {
	ItemType   domain.ItemType
	ItemCode   string
	FromStatus string
	ToStatus   string
	Allowed    []string
}

func (e *InvalidTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s (allowed: %s)",
		e.ItemType, e.ItemCode, e.FromStatus, e.ToStatus, allowed)
}

// ConditionNotMetError means the rule exists but its guard rejected the move.
type ConditionNotMetError struct {
	Condition string
	Reason    string
}

func (e *ConditionNotMetError) Error() string {
	return fmt.Sprintf("condition %s not met: %s", e.Condition, e.Reason)
}

// EffectError wraps a failed required side effect; the transition was rolled
// back.
type EffectError struct {
	Effect string
	Err    error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %s failed: %v", e.Effect, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }

// UnknownConditionError reports a workflow rule naming a condition the engine
// has no evaluator for. Caught at workflow sync, not at transition time.
type UnknownConditionError struct {
	Condition string
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("unknown condition %q", e.Condition)
}

// UnknownEffectError reports a workflow rule naming an effect the engine has
// no executor for.
type UnknownEffectError struct {
	Effect string
}

func (e *UnknownEffectError) Error() string {
	return fmt.Sprintf("unknown effect %q", e.Effect)
}

// AmbiguousRefError means a reference matched more than one item.
type AmbiguousRefError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousRefError) Error() string {
	return fmt.Sprintf("ambiguous reference %q matches %s", e.Ref, strings.Join(e.Matches, " and "))
}

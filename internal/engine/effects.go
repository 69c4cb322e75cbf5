package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"switchyard/internal/domain"
)

// Effect names accepted in workflow definitions. Like conditions, the catalog
// is closed and checked at workflow sync time.
const (
	EffectStampStart            = "stamp-start"
	EffectCheckParentCompletion = "check-parent-completion"
	EffectArchivePlan           = "archive-plan"
)

// effectFunc runs a side effect inside the transition's transaction, after
// the status update but before the audit record is written. depth tracks
// cascade nesting.
type effectFunc func(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem, actorID string, depth int) (domain.EffectOutcome, error)

var effects map[string]effectFunc

func init() {
	effects = map[string]effectFunc{
		EffectStampStart:            effectStampStart,
		EffectCheckParentCompletion: effectCheckParentCompletion,
		EffectArchivePlan:           effectArchivePlan,
	}
}

func effectStampStart(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem, actorID string, depth int) (domain.EffectOutcome, error) {
	out := domain.EffectOutcome{Name: EffectStampStart}
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkStartedTx(ctx, tx, item.ID, ts); err != nil {
		return out, err
	}
	if item.StartedAt != nil {
		out.Result = "already started at " + *item.StartedAt
	} else {
		out.Result = "started at " + ts
	}
	return out, nil
}

func effectArchivePlan(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem, actorID string, depth int) (domain.EffectOutcome, error) {
	out := domain.EffectOutcome{Name: EffectArchivePlan}
	if item.PlanJSON == nil {
		out.Result = "no plan to archive"
		return out, nil
	}
	if item.PlanArchivedAt != nil {
		out.Result = "plan already archived at " + *item.PlanArchivedAt
		return out, nil
	}
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkPlanArchivedTx(ctx, tx, item.ID, ts); err != nil {
		return out, err
	}
	out.Result = "plan archived at " + ts
	return out, nil
}

// effectCheckParentCompletion tries to close the parent once its last open
// child finishes. The cascaded transition runs through the full pipeline in
// the same transaction, so a parent with remaining open children simply
// fails the guard and the effect reports why.
func effectCheckParentCompletion(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem, actorID string, depth int) (domain.EffectOutcome, error) {
	out := domain.EffectOutcome{Name: EffectCheckParentCompletion}
	if item.ParentID == nil {
		out.Result = "no parent"
		return out, nil
	}
	parent, err := e.Repo.GetItemTx(ctx, tx, *item.ParentID)
	if err != nil {
		return out, fmt.Errorf("load parent: %w", err)
	}
	wf, ok := e.Config.WorkflowFor(parent.Type)
	if !ok {
		out.Result = fmt.Sprintf("parent %s has no workflow", parent.Code())
		return out, nil
	}
	target := ""
	for _, t := range wf.Terminal {
		if t == "completed" {
			target = t
			break
		}
	}
	if target == "" {
		out.Result = fmt.Sprintf("parent %s workflow has no completed status", parent.Code())
		return out, nil
	}
	res, err := e.transitionTx(ctx, tx, transitionOptions{
		item:         parent,
		toStatus:     target,
		actorID:      actorID,
		changeSource: "cascade",
	}, depth+1)
	if err != nil {
		var notMet *ConditionNotMetError
		var invalid *InvalidTransitionError
		if errors.As(err, &notMet) {
			out.Result = fmt.Sprintf("parent %s not ready: %s", parent.Code(), notMet.Reason)
			return out, nil
		}
		if errors.As(err, &invalid) {
			out.Result = fmt.Sprintf("parent %s cannot complete from %s", parent.Code(), parent.Status)
			return out, nil
		}
		return out, err
	}
	out.Result = fmt.Sprintf("parent %s completed", parent.Code())
	out.Cascade = &res
	return out, nil
}

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"switchyard/internal/domain"
)

// Condition names accepted in workflow definitions. The catalog is closed:
// a rule naming anything else is rejected when the workflow is synced.
const (
	CondAllChildrenDone  = "all_children_done"
	CondHasAssignee      = "has_assignee"
	CondDependenciesDone = "dependencies_done"
)

// conditionFunc evaluates a guard inside the transition's transaction. When
// it returns ok=false, reason explains what is outstanding.
type conditionFunc func(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem) (ok bool, reason string, err error)

var conditions = map[string]conditionFunc{
	CondAllChildrenDone:  condAllChildrenDone,
	CondHasAssignee:      condHasAssignee,
	CondDependenciesDone: condDependenciesDone,
}

// doneStatuses collects every terminal status across the configured
// workflows. A child in any terminal status, cancelled included, no longer
// holds its parent open.
func (e Engine) doneStatuses() []string {
	seen := map[string]bool{}
	var res []string
	for _, t := range domain.ItemTypes {
		wf, ok := e.Config.WorkflowFor(t)
		if !ok {
			continue
		}
		for _, s := range wf.Terminal {
			if !seen[s] {
				seen[s] = true
				res = append(res, s)
			}
		}
	}
	return res
}

func condAllChildrenDone(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem) (bool, string, error) {
	open, err := e.Repo.OpenChildrenTx(ctx, tx, item.ID, e.doneStatuses())
	if err != nil {
		return false, "", err
	}
	if len(open) == 0 {
		return true, "", nil
	}
	var codes []string
	for _, c := range open {
		codes = append(codes, fmt.Sprintf("%s (%s)", c.Code(), c.Status))
	}
	return false, fmt.Sprintf("%d open children: %s", len(open), strings.Join(codes, ", ")), nil
}

func condHasAssignee(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem) (bool, string, error) {
	if item.AssigneeID != nil && *item.AssigneeID != "" {
		return true, "", nil
	}
	return false, "no assignee set", nil
}

func condDependenciesDone(ctx context.Context, tx *sql.Tx, e Engine, item domain.WorkItem) (bool, string, error) {
	done := map[string]bool{}
	for _, s := range e.doneStatuses() {
		done[s] = true
	}
	var open []string
	for _, depID := range item.BlockedBy {
		dep, err := e.Repo.GetItemTx(ctx, tx, depID)
		if err != nil {
			return false, "", fmt.Errorf("load dependency %s: %w", depID, err)
		}
		if !done[dep.Status] {
			open = append(open, fmt.Sprintf("%s (%s)", dep.Code(), dep.Status))
		}
	}
	if len(open) == 0 {
		return true, "", nil
	}
	return false, fmt.Sprintf("%d open dependencies: %s", len(open), strings.Join(open, ", ")), nil
}

// Package compat translates the legacy advance-status vocabulary into
// current item types and statuses, so older automation keeps working while
// it migrates.
package compat

import (
	"context"
	"fmt"
	"strings"

	"switchyard/internal/domain"
	"switchyard/internal/engine"
)

var legacyTypes = map[string]domain.ItemType{
	"feedback":    domain.ItemTypeIssue,
	"issues":      domain.ItemTypeIssue,
	"issue":       domain.ItemTypeIssue,
	"features":    domain.ItemTypeFeature,
	"feature":     domain.ItemTypeFeature,
	"build_task":  domain.ItemTypeTask,
	"build_tasks": domain.ItemTypeTask,
	"task":        domain.ItemTypeTask,
	"tasks":       domain.ItemTypeTask,
}

var legacyStatuses = map[string]string{
	"done":        "completed",
	"wontfix":     "wont_fix",
	"wont-fix":    "wont_fix",
	"in-progress": "in_progress",
	"inprogress":  "in_progress",
}

// MapType translates a legacy entity type name.
func MapType(legacy string) (domain.ItemType, error) {
	t, ok := legacyTypes[strings.ToLower(strings.TrimSpace(legacy))]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", legacy)
	}
	return t, nil
}

// MapStatus translates a legacy status name, passing through current ones.
func MapStatus(legacy string) string {
	s := strings.ToLower(strings.TrimSpace(legacy))
	if mapped, ok := legacyStatuses[s]; ok {
		return mapped
	}
	return s
}

// AdvanceStatus runs a transition requested in the legacy vocabulary. The
// reference may be a bare numeric ID, which is qualified with the mapped
// type's code prefix.
func AdvanceStatus(ctx context.Context, eng engine.Engine, legacyType, ref, newStatus, actorID string) (domain.TransitionResult, error) {
	t, err := MapType(legacyType)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	ref = strings.TrimSpace(ref)
	if ref != "" && isDigits(ref) {
		ref = t.CodePrefix() + ref
	}
	return eng.ExecuteTransition(ctx, engine.TransitionRequest{
		Ref:          ref,
		ToStatus:     MapStatus(newStatus),
		ActorID:      actorID,
		ChangeSource: "legacy",
		Metadata:     map[string]any{"legacy_type": legacyType, "legacy_status": newStatus},
	})
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

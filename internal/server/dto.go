package server

import (
	"switchyard/internal/domain"
)

type CreateItemRequest struct {
	Type        string   `json:"type" enum:"issue,feature,task"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Parent      *string  `json:"parent,omitempty" doc:"Parent reference: item ID or short code"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Plan        *string  `json:"plan,omitempty" doc:"Opaque plan payload, stored as JSON"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

type ItemResponse struct {
	ID             string   `json:"id"`
	Code           string   `json:"code" example:"BT3"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status"`
	ParentID       *string  `json:"parent_id,omitempty"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	Plan           *string  `json:"plan,omitempty"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	StartedAt      *string  `json:"started_at,omitempty"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
	PlanArchivedAt *string  `json:"plan_archived_at,omitempty"`
}

func itemResponse(w domain.WorkItem) ItemResponse {
	return ItemResponse{
		ID:             w.ID,
		Code:           w.Code(),
		Type:           string(w.Type),
		Title:          w.Title,
		Description:    w.Description,
		Status:         w.Status,
		ParentID:       w.ParentID,
		AssigneeID:     w.AssigneeID,
		Plan:           w.PlanJSON,
		BlockedBy:      w.BlockedBy,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		StartedAt:      w.StartedAt,
		CompletedAt:    w.CompletedAt,
		PlanArchivedAt: w.PlanArchivedAt,
	}
}

func mapItems(items []domain.WorkItem) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, w := range items {
		res = append(res, itemResponse(w))
	}
	return res
}

type paginatedItems struct {
	Items      []ItemResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type TransitionBody struct {
	To       string         `json:"to"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type TransitionOptionResponse struct {
	To             string `json:"to"`
	Condition      string `json:"condition,omitempty"`
	Effect         string `json:"effect,omitempty"`
	EffectRequired bool   `json:"effect_required,omitempty"`
	Description    string `json:"description,omitempty"`
}

func transitionOptions(rules []domain.TransitionRule) []TransitionOptionResponse {
	res := make([]TransitionOptionResponse, 0, len(rules))
	for _, r := range rules {
		res = append(res, TransitionOptionResponse{
			To:             r.ToStatus,
			Condition:      r.Condition,
			Effect:         r.Effect,
			EffectRequired: r.EffectRequired,
			Description:    r.Description,
		})
	}
	return res
}

type LegacyAdvanceRequest struct {
	EntityType string `json:"entity_type" example:"build_tasks"`
	EntityID   string `json:"entity_id" example:"3"`
	NewStatus  string `json:"new_status" example:"done"`
}

type WorkflowImportRequest struct {
	YAML string `json:"yaml" doc:"Workflow definition in switchyard.yml format"`
}

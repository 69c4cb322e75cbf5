package domain

import "strconv"

// ItemType identifies one of the tracked work-item kinds.
type ItemType string

const (
	ItemTypeIssue   ItemType = "issue"
	ItemTypeFeature ItemType = "feature"
	ItemTypeTask    ItemType = "task"
)

// ItemTypes lists every tracked kind in display order.
var ItemTypes = []ItemType{ItemTypeIssue, ItemTypeFeature, ItemTypeTask}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeIssue, ItemTypeFeature, ItemTypeTask:
		return true
	}
	return false
}

// CodePrefix returns the short-code prefix for the type (IS4, F1, BT23).
func (t ItemType) CodePrefix() string {
	switch t {
	case ItemTypeIssue:
		return "IS"
	case ItemTypeFeature:
		return "F"
	case ItemTypeTask:
		return "BT"
	}
	return ""
}

type WorkItem struct {
	ID             string   `json:"id"`
	Type           ItemType `json:"type" enum:"issue,feature,task"`
	ShortCode      int      `json:"short_code"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status"`
	ParentID       *string  `json:"parent_id,omitempty"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	PlanJSON       *string  `json:"plan_json,omitempty"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	StartedAt      *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	PlanArchivedAt *string  `json:"plan_archived_at,omitempty" format:"date-time"`
}

// Code renders the human-readable short code, e.g. BT3.
func (w WorkItem) Code() string {
	if w.ShortCode == 0 {
		return ""
	}
	return w.Type.CodePrefix() + strconv.Itoa(w.ShortCode)
}

// TransitionRule describes one legal status move. At most one rule exists per
// (item_type, from_status, to_status) triple.
type TransitionRule struct {
	ItemType       ItemType `json:"item_type" enum:"issue,feature,task"`
	FromStatus     string   `json:"from_status"`
	ToStatus       string   `json:"to_status"`
	Condition      string   `json:"condition,omitempty"`
	Effect         string   `json:"effect,omitempty"`
	EffectRequired bool     `json:"effect_required,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// AuditRecord is one immutable entry in the transition log. Item code and
// type are denormalized so the trail stays readable even if the item changes.
type AuditRecord struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	ItemType     ItemType       `json:"item_type"`
	ItemID       string         `json:"item_id"`
	ItemCode     string         `json:"item_code"`
	FromStatus   string         `json:"from_status"`
	ToStatus     string         `json:"to_status"`
	ActorID      string         `json:"actor_id,omitempty"`
	ChangeSource string         `json:"change_source"`
	Effects      []string       `json:"effects"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// EffectOutcome reports one executed side effect, including the result of a
// cascaded transition the effect triggered on another item.
type EffectOutcome struct {
	Name    string            `json:"name"`
	Result  string            `json:"result"`
	Cascade *TransitionResult `json:"cascade,omitempty"`
}

// TransitionResult is returned by the engine on a successful transition.
type TransitionResult struct {
	ItemType   ItemType        `json:"item_type"`
	ItemID     string          `json:"item_id"`
	ItemCode   string          `json:"item_code"`
	FromStatus string          `json:"from_status"`
	NewStatus  string          `json:"new_status"`
	Effects    []EffectOutcome `json:"effects"`
	AuditID    int64           `json:"audit_id"`
}

// EffectNames flattens executed effect names, cascades included.
func (r TransitionResult) EffectNames() []string {
	names := []string{}
	for _, e := range r.Effects {
		names = append(names, e.Name)
		if e.Cascade != nil {
			names = append(names, e.Cascade.EffectNames()...)
		}
	}
	return names
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

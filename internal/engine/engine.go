// Package engine validates and applies work-item status transitions. Every
// mutation runs in one transaction: rule lookup, guard evaluation, status
// update, side effects, cascades, and the audit record commit together or
// not at all.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/audit"
	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// CreateItemOptions are parameters for creating a work item.
type CreateItemOptions struct {
	Type        domain.ItemType
	Title       string
	Description string
	ParentRef   string
	AssigneeID  string
	PlanJSON    string
	BlockedBy   []string
	ActorID     string
}

// CreateItem inserts a new item at its workflow's initial status. Only tasks
// take a parent, and the parent must be a feature, so the hierarchy stays a
// two-level tree and cannot cycle.
func (e Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	if !opts.Type.Valid() {
		return domain.WorkItem{}, fmt.Errorf("unknown item type %q", opts.Type)
	}
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	initial := e.Config.InitialStatus(opts.Type)
	if initial == "" {
		return domain.WorkItem{}, fmt.Errorf("no workflow configured for %s", opts.Type)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	var parentID *string
	if opts.ParentRef != "" {
		if opts.Type != domain.ItemTypeTask {
			return domain.WorkItem{}, fmt.Errorf("%s items cannot have a parent", opts.Type)
		}
		parent, err := e.resolveTx(ctx, tx, opts.ParentRef)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("parent %s: %w", opts.ParentRef, err)
		}
		if parent.Type != domain.ItemTypeFeature {
			return domain.WorkItem{}, fmt.Errorf("parent %s is a %s, tasks belong to features", parent.Code(), parent.Type)
		}
		parentID = &parent.ID
	}

	var blockers []string
	for _, ref := range opts.BlockedBy {
		dep, err := e.resolveTx(ctx, tx, ref)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("blocker %s: %w", ref, err)
		}
		blockers = append(blockers, dep.ID)
	}

	now := e.now().UTC().Format(time.RFC3339)
	w := domain.WorkItem{
		ID:          uuid.NewString(),
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      initial,
		ParentID:    parentID,
		AssigneeID:  optionalString(opts.AssigneeID),
		PlanJSON:    optionalString(opts.PlanJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertItemTx(ctx, tx, &w); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert item: %w", err)
	}
	if err := e.Repo.AddBlockersTx(ctx, tx, w.ID, blockers); err != nil {
		return domain.WorkItem{}, fmt.Errorf("add blockers: %w", err)
	}
	w.BlockedBy = blockers
	if _, err := e.Audit.Append(ctx, tx, domain.AuditRecord{
		TS:           now,
		ItemType:     w.Type,
		ItemID:       w.ID,
		ItemCode:     w.Code(),
		ToStatus:     w.Status,
		ActorID:      opts.ActorID,
		ChangeSource: "create",
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// TransitionRequest asks for one status move.
type TransitionRequest struct {
	Ref          string
	ToStatus     string
	ActorID      string
	ChangeSource string
	Metadata     map[string]any
}

type transitionOptions struct {
	item         domain.WorkItem
	toStatus     string
	actorID      string
	changeSource string
	metadata     map[string]any
}

// ExecuteTransition validates and applies one transition, including any
// cascaded transitions its effects trigger, in a single transaction.
func (e Engine) ExecuteTransition(ctx context.Context, req TransitionRequest) (domain.TransitionResult, error) {
	if req.ToStatus == "" {
		return domain.TransitionResult{}, errors.New("target status is required")
	}
	if req.ChangeSource == "" {
		req.ChangeSource = "manual"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	defer tx.Rollback()

	item, err := e.resolveTx(ctx, tx, req.Ref)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	res, err := e.transitionTx(ctx, tx, transitionOptions{
		item:         item,
		toStatus:     req.ToStatus,
		actorID:      req.ActorID,
		changeSource: req.ChangeSource,
		metadata:     req.Metadata,
	}, 0)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransitionResult{}, err
	}
	return res, nil
}

// transitionTx is the transition pipeline proper. Cascaded transitions
// re-enter here on the same transaction with depth+1.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, opts transitionOptions, depth int) (domain.TransitionResult, error) {
	if depth > e.Config.MaxCascadeDepth() {
		return domain.TransitionResult{}, fmt.Errorf("%w (limit %d)", ErrCascadeDepth, e.Config.MaxCascadeDepth())
	}
	item := opts.item

	rule, err := e.Repo.GetRuleTx(ctx, tx, item.Type, item.Status, opts.toStatus)
	if errors.Is(err, repo.ErrNotFound) {
		allowed, lerr := e.Repo.ListNextStatusesTx(ctx, tx, item.Type, item.Status)
		if lerr != nil {
			return domain.TransitionResult{}, lerr
		}
		return domain.TransitionResult{}, &InvalidTransitionError{
			ItemType:   item.Type,
			ItemCode:   item.Code(),
			FromStatus: item.Status,
			ToStatus:   opts.toStatus,
			Allowed:    allowed,
		}
	}
	if err != nil {
		return domain.TransitionResult{}, err
	}

	if rule.Condition != "" {
		eval, ok := conditions[rule.Condition]
		if !ok {
			// validated at sync time, so a miss here means the store and the
			// catalog disagree; log the name, keep it out of the response
			e.logf("rule %s %s -> %s names unknown condition %q", item.Type, item.Status, opts.toStatus, rule.Condition)
			return domain.TransitionResult{}, errors.New("workflow rule misconfigured")
		}
		met, reason, err := eval(ctx, tx, e, item)
		if err != nil {
			return domain.TransitionResult{}, fmt.Errorf("evaluate %s: %w", rule.Condition, err)
		}
		if !met {
			return domain.TransitionResult{}, &ConditionNotMetError{Condition: rule.Condition, Reason: reason}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	var completedAt *string
	if e.isTerminal(item.Type, opts.toStatus) {
		completedAt = &now
	}
	moved, err := e.Repo.UpdateItemStatusTx(ctx, tx, item.ID, item.Status, opts.toStatus, now, completedAt)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if !moved {
		return domain.TransitionResult{}, fmt.Errorf("%s: %w", item.Code(), ErrConflict)
	}

	res := domain.TransitionResult{
		ItemType:   item.Type,
		ItemID:     item.ID,
		ItemCode:   item.Code(),
		FromStatus: item.Status,
		NewStatus:  opts.toStatus,
		Effects:    []domain.EffectOutcome{},
	}

	if rule.Effect != "" {
		run, ok := effects[rule.Effect]
		if !ok {
			e.logf("rule %s %s -> %s names unknown effect %q", item.Type, item.Status, opts.toStatus, rule.Effect)
			return domain.TransitionResult{}, errors.New("workflow rule misconfigured")
		}
		out, err := run(ctx, tx, e, item, opts.actorID, depth)
		if err != nil {
			if rule.EffectRequired {
				return domain.TransitionResult{}, &EffectError{Effect: rule.Effect, Err: err}
			}
			e.logf("effect %s on %s failed: %v", rule.Effect, item.Code(), err)
			out = domain.EffectOutcome{Name: rule.Effect, Result: "failed: " + err.Error()}
		}
		res.Effects = append(res.Effects, out)
	}

	res.AuditID, err = e.Audit.Append(ctx, tx, domain.AuditRecord{
		TS:           now,
		ItemType:     item.Type,
		ItemID:       item.ID,
		ItemCode:     item.Code(),
		FromStatus:   item.Status,
		ToStatus:     opts.toStatus,
		ActorID:      opts.actorID,
		ChangeSource: opts.changeSource,
		Effects:      res.EffectNames(),
		Metadata:     opts.metadata,
	})
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("append audit: %w", err)
	}
	return res, nil
}

func (e Engine) isTerminal(t domain.ItemType, status string) bool {
	wf, ok := e.Config.WorkflowFor(t)
	if !ok {
		return false
	}
	for _, s := range wf.Terminal {
		if s == status {
			return true
		}
	}
	return false
}

// ListLegalTransitions returns the rules leaving an item's current status.
func (e Engine) ListLegalTransitions(ctx context.Context, ref string) (domain.WorkItem, []domain.TransitionRule, error) {
	item, err := e.ResolveItem(ctx, ref)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	rules, err := e.Repo.ListRulesFrom(ctx, item.Type, item.Status)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	return item, rules, nil
}

// History returns an item's audit trail, oldest first.
func (e Engine) History(ctx context.Context, ref string) (domain.WorkItem, []domain.AuditRecord, error) {
	item, err := e.ResolveItem(ctx, ref)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	recs, err := e.Repo.History(ctx, item.ID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	return item, recs, nil
}

// StartWorkResult is the context handed back when work begins on a task.
type StartWorkResult struct {
	Result domain.TransitionResult `json:"result"`
	Item   domain.WorkItem         `json:"item"`
	Plan   *string                 `json:"plan,omitempty"`
}

// StartWork moves a task to in_progress and returns the plan context from
// the task itself or its parent feature.
func (e Engine) StartWork(ctx context.Context, ref, actorID string) (StartWorkResult, error) {
	res, err := e.ExecuteTransition(ctx, TransitionRequest{
		Ref:      ref,
		ToStatus: "in_progress",
		ActorID:  actorID,
	})
	if err != nil {
		return StartWorkResult{}, err
	}
	item, err := e.Repo.GetItem(ctx, res.ItemID)
	if err != nil {
		return StartWorkResult{}, err
	}
	out := StartWorkResult{Result: res, Item: item, Plan: item.PlanJSON}
	if out.Plan == nil && item.ParentID != nil {
		parent, err := e.Repo.GetItem(ctx, *item.ParentID)
		if err == nil {
			out.Plan = parent.PlanJSON
		}
	}
	return out, nil
}

// CompleteWorkResult reports a completion plus the next ready sibling, when
// one exists.
type CompleteWorkResult struct {
	Result   domain.TransitionResult `json:"result"`
	NextTask *domain.WorkItem        `json:"next_task,omitempty"`
}

// CompleteWork moves a task to completed and suggests the next todo sibling
// whose blockers are all finished.
func (e Engine) CompleteWork(ctx context.Context, ref, actorID string) (CompleteWorkResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompleteWorkResult{}, err
	}
	defer tx.Rollback()

	item, err := e.resolveTx(ctx, tx, ref)
	if err != nil {
		return CompleteWorkResult{}, err
	}
	res, err := e.transitionTx(ctx, tx, transitionOptions{
		item:         item,
		toStatus:     "completed",
		actorID:      actorID,
		changeSource: "manual",
	}, 0)
	if err != nil {
		return CompleteWorkResult{}, err
	}
	out := CompleteWorkResult{Result: res}
	if item.ParentID != nil {
		next, err := e.Repo.NextReadyTaskTx(ctx, tx, *item.ParentID)
		if err == nil {
			out.NextTask = &next
		} else if !errors.Is(err, repo.ErrNotFound) {
			return CompleteWorkResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return CompleteWorkResult{}, err
	}
	return out, nil
}

// NextReadyTask suggests the next todo task under a feature whose blockers
// are all finished.
func (e Engine) NextReadyTask(ctx context.Context, parentRef string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	parent, err := e.resolveTx(ctx, tx, parentRef)
	if err != nil {
		return domain.WorkItem{}, err
	}
	next, err := e.Repo.NextReadyTaskTx(ctx, tx, parent.ID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return next, tx.Commit()
}

// AssignItem sets or clears an item's assignee.
func (e Engine) AssignItem(ctx context.Context, ref, assigneeID string) (domain.WorkItem, error) {
	item, err := e.ResolveItem(ctx, ref)
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAssignee(ctx, item.ID, optionalString(assigneeID), now); err != nil {
		return domain.WorkItem{}, err
	}
	return e.Repo.GetItem(ctx, item.ID)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

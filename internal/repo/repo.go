package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"switchyard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const itemColumns = `id,item_type,short_code,title,description,status,parent_id,assignee_id,plan_json,created_at,updated_at,started_at,completed_at,plan_archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var description, parentID, assigneeID, planJSON, startedAt, completedAt, planArchivedAt sql.NullString
	err := row.Scan(&w.ID, &w.Type, &w.ShortCode, &w.Title, &description, &w.Status,
		&parentID, &assigneeID, &planJSON, &w.CreatedAt, &w.UpdatedAt, &startedAt, &completedAt, &planArchivedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	if assigneeID.Valid {
		w.AssigneeID = &assigneeID.String
	}
	if planJSON.Valid {
		w.PlanJSON = &planJSON.String
	}
	if startedAt.Valid {
		w.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	if planArchivedAt.Valid {
		w.PlanArchivedAt = &planArchivedAt.String
	}
	return w, nil
}

// InsertItemTx inserts a work item, assigning the next per-type short code
// when none is set.
func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem) error {
	if w.ShortCode == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(short_code),0)+1 FROM work_items WHERE item_type=?`, w.Type).
			Scan(&w.ShortCode); err != nil {
			return fmt.Errorf("next short code: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Type, w.ShortCode, w.Title, nullable(w.Description), w.Status,
		nullableStringPtr(w.ParentID), nullableStringPtr(w.AssigneeID), nullableStringPtr(w.PlanJSON),
		w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.StartedAt), nullableStringPtr(w.CompletedAt), nullableStringPtr(w.PlanArchivedAt))
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.BlockedBy, err = r.ListBlockers(ctx, w.ID)
	return w, err
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	w, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.BlockedBy, err = r.ListBlockersTx(ctx, tx, w.ID)
	return w, err
}

func (r Repo) GetItemByCodeTx(ctx context.Context, tx *sql.Tx, t domain.ItemType, shortCode int) (domain.WorkItem, error) {
	w, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE item_type=? AND short_code=?`, t, shortCode))
	if err != nil {
		return w, err
	}
	w.BlockedBy, err = r.ListBlockersTx(ctx, tx, w.ID)
	return w, err
}

// UpdateItemStatusTx moves an item's status with an optimistic guard on the
// expected current status. It reports false when the row was not in
// fromStatus anymore, which is how concurrent transitions lose.
func (r Repo) UpdateItemStatusTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string, completedAt *string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=? AND status=?`,
		toStatus, updatedAt, nullableStringPtr(completedAt), id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkStartedTx stamps started_at once; re-running is a no-op.
func (r Repo) MarkStartedTx(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE work_items SET started_at=COALESCE(started_at, ?) WHERE id=?`, ts, id)
	return err
}

// MarkPlanArchivedTx stamps plan_archived_at once; re-running is a no-op.
func (r Repo) MarkPlanArchivedTx(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE work_items SET plan_archived_at=COALESCE(plan_archived_at, ?) WHERE id=?`, ts, id)
	return err
}

func (r Repo) UpdateAssignee(ctx context.Context, id string, assignee *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_items SET assignee_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(assignee), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ItemFilters struct {
	Type            domain.ItemType
	Status          string
	ParentID        string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "item_type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	return r.listChildren(ctx, r.DB.QueryContext, parentID)
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.WorkItem, error) {
	return r.listChildren(ctx, tx.QueryContext, parentID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listChildren(ctx context.Context, query queryFunc, parentID string) ([]domain.WorkItem, error) {
	rows, err := query(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id=? ORDER BY short_code ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// OpenChildrenTx returns children whose status is not in doneStatuses.
func (r Repo) OpenChildrenTx(ctx context.Context, tx *sql.Tx, parentID string, doneStatuses []string) ([]domain.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE parent_id=?`
	args := []any{parentID}
	if len(doneStatuses) > 0 {
		query += ` AND status NOT IN (?` + strings.Repeat(",?", len(doneStatuses)-1) + `)`
		for _, s := range doneStatuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY short_code ASC`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) AddBlockersTx(ctx context.Context, tx *sql.Tx, itemID string, blockers []string) error {
	for _, b := range blockers {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_deps(item_id, blocked_by_item_id) VALUES (?,?)`, itemID, b); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveBlockersTx(ctx context.Context, tx *sql.Tx, itemID string, blockers []string) error {
	for _, b := range blockers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_deps WHERE item_id=? AND blocked_by_item_id=?`, itemID, b); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListBlockers(ctx context.Context, itemID string) ([]string, error) {
	return r.listBlockers(ctx, r.DB.QueryContext, itemID)
}

func (r Repo) ListBlockersTx(ctx context.Context, tx *sql.Tx, itemID string) ([]string, error) {
	return r.listBlockers(ctx, tx.QueryContext, itemID)
}

func (r Repo) listBlockers(ctx context.Context, query queryFunc, itemID string) ([]string, error) {
	rows, err := query(ctx, `SELECT blocked_by_item_id FROM item_deps WHERE item_id=?`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// NextReadyTaskTx finds the next todo sibling under the same parent whose
// blockers are all completed.
func (r Repo) NextReadyTaskTx(ctx context.Context, tx *sql.Tx, parentID string) (domain.WorkItem, error) {
	w, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items
WHERE parent_id=? AND item_type='task' AND status='todo'
  AND NOT EXISTS (
    SELECT 1 FROM item_deps d
    JOIN work_items dep ON dep.id=d.blocked_by_item_id
    WHERE d.item_id=work_items.id AND dep.status NOT IN ('completed','cancelled')
  )
ORDER BY short_code ASC LIMIT 1`, parentID))
	if err != nil {
		return w, err
	}
	w.BlockedBy, err = r.ListBlockersTx(ctx, tx, w.ID)
	return w, err
}

// CountByStatus groups item counts by type then status.
func (r Repo) CountByStatus(ctx context.Context) (map[domain.ItemType]map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_type, status, count(*) FROM work_items GROUP BY item_type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.ItemType]map[string]int{}
	for rows.Next() {
		var t domain.ItemType
		var status string
		var count int
		if err := rows.Scan(&t, &status, &count); err != nil {
			return nil, err
		}
		if res[t] == nil {
			res[t] = map[string]int{}
		}
		res[t][status] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

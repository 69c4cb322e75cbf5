package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"switchyard/internal/domain"
)

const auditColumns = `id,ts,item_type,item_id,item_code,from_status,to_status,actor_id,change_source,effects_json,metadata_json`

func scanAuditRecord(row rowScanner) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var actor, effects, metadata sql.NullString
	err := row.Scan(&rec.ID, &rec.TS, &rec.ItemType, &rec.ItemID, &rec.ItemCode,
		&rec.FromStatus, &rec.ToStatus, &actor, &rec.ChangeSource, &effects, &metadata)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if actor.Valid {
		rec.ActorID = actor.String
	}
	rec.Effects = []string{}
	if effects.Valid && effects.String != "" {
		if err := json.Unmarshal([]byte(effects.String), &rec.Effects); err != nil {
			return rec, err
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// History returns every audit record for an item, oldest first.
func (r Repo) History(ctx context.Context, itemID string) ([]domain.AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE item_id=? ORDER BY ts ASC, id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestAuditRecords tails the audit log newest first, with optional filters.
func (r Repo) LatestAuditRecords(ctx context.Context, limit int, t domain.ItemType, changeSource string) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if t != "" {
		clauses = append(clauses, "item_type=?")
		args = append(args, t)
	}
	if changeSource != "" {
		clauses = append(clauses, "change_source=?")
		args = append(args, changeSource)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountAuditRecords reports how many records exist for an item.
func (r Repo) CountAuditRecords(ctx context.Context, itemID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_log WHERE item_id=?`, itemID).Scan(&n)
	return n, err
}

package repo

import (
	"context"
	"database/sql"

	"switchyard/internal/domain"
)

const ruleColumns = `item_type,from_status,to_status,condition_name,effect_name,effect_required,description`

func scanRule(row rowScanner) (domain.TransitionRule, error) {
	var tr domain.TransitionRule
	var condition, effect, description sql.NullString
	var required int
	err := row.Scan(&tr.ItemType, &tr.FromStatus, &tr.ToStatus, &condition, &effect, &required, &description)
	if err == sql.ErrNoRows {
		return tr, ErrNotFound
	}
	if err != nil {
		return tr, err
	}
	if condition.Valid {
		tr.Condition = condition.String
	}
	if effect.Valid {
		tr.Effect = effect.String
	}
	if description.Valid {
		tr.Description = description.String
	}
	tr.EffectRequired = required != 0
	return tr, nil
}

// ReplaceRulesTx swaps the whole transition table for the given rule set.
// Rules are read-only at request time; this is the administrative path.
func (r Repo) ReplaceRulesTx(ctx context.Context, tx *sql.Tx, rules []domain.TransitionRule) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_transitions`); err != nil {
		return err
	}
	for _, tr := range rules {
		required := 0
		if tr.EffectRequired {
			required = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_transitions(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?)`,
			tr.ItemType, tr.FromStatus, tr.ToStatus, nullable(tr.Condition), nullable(tr.Effect), required, nullable(tr.Description)); err != nil {
			return err
		}
	}
	return nil
}

// GetRule looks up the rule for one (type, from, to) triple. A missing rule
// is the normal "transition not allowed" outcome, reported as ErrNotFound.
func (r Repo) GetRule(ctx context.Context, t domain.ItemType, from, to string) (domain.TransitionRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM workflow_transitions WHERE item_type=? AND from_status=? AND to_status=?`, t, from, to))
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, t domain.ItemType, from, to string) (domain.TransitionRule, error) {
	return scanRule(tx.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM workflow_transitions WHERE item_type=? AND from_status=? AND to_status=?`, t, from, to))
}

// ListNextStatuses enumerates legal target statuses from a given status.
func (r Repo) ListNextStatuses(ctx context.Context, t domain.ItemType, from string) ([]string, error) {
	return r.listNextStatuses(ctx, r.DB.QueryContext, t, from)
}

func (r Repo) ListNextStatusesTx(ctx context.Context, tx *sql.Tx, t domain.ItemType, from string) ([]string, error) {
	return r.listNextStatuses(ctx, tx.QueryContext, t, from)
}

func (r Repo) listNextStatuses(ctx context.Context, query queryFunc, t domain.ItemType, from string) ([]string, error) {
	rows, err := query(ctx,
		`SELECT to_status FROM workflow_transitions WHERE item_type=? AND from_status=? ORDER BY to_status`, t, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListRulesFrom returns the full rules leaving a given status.
func (r Repo) ListRulesFrom(ctx context.Context, t domain.ItemType, from string) ([]domain.TransitionRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM workflow_transitions WHERE item_type=? AND from_status=? ORDER BY to_status`, t, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRule
	for rows.Next() {
		tr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

// ListRules returns all transition rules ordered for display.
func (r Repo) ListRules(ctx context.Context) ([]domain.TransitionRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM workflow_transitions ORDER BY item_type, from_status, to_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRule
	for rows.Next() {
		tr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

// CountRules reports how many rules are loaded.
func (r Repo) CountRules(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM workflow_transitions`).Scan(&n)
	return n, err
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"switchyard/internal/domain"
	"switchyard/internal/repo"
)

// parseCode splits a short-code reference like BT3 or F12 into its type and
// number. ok is false when ref does not look like a short code at all.
func parseCode(ref string) (domain.ItemType, int, bool) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	for _, t := range domain.ItemTypes {
		prefix := t.CodePrefix()
		if !strings.HasPrefix(ref, prefix) {
			continue
		}
		n, err := strconv.Atoi(ref[len(prefix):])
		if err != nil || n <= 0 {
			continue
		}
		return t, n, true
	}
	return "", 0, false
}

// resolveTx turns a reference (item ID or short code) into a work item. When
// a string is both a plausible code and an existing ID, and they point at
// different rows, the reference is ambiguous and resolution fails.
func (e Engine) resolveTx(ctx context.Context, tx *sql.Tx, ref string) (domain.WorkItem, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.WorkItem{}, errors.New("item reference is required")
	}

	var byCode *domain.WorkItem
	if t, n, ok := parseCode(ref); ok {
		w, err := e.Repo.GetItemByCodeTx(ctx, tx, t, n)
		if err == nil {
			byCode = &w
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.WorkItem{}, err
		}
	}

	byID, err := e.Repo.GetItemTx(ctx, tx, ref)
	switch {
	case err == nil:
		if byCode != nil && byCode.ID != byID.ID {
			return domain.WorkItem{}, &AmbiguousRefError{Ref: ref, Matches: []string{byCode.Code(), byID.ID}}
		}
		return byID, nil
	case errors.Is(err, repo.ErrNotFound):
		if byCode != nil {
			return *byCode, nil
		}
		return domain.WorkItem{}, repo.ErrNotFound
	default:
		return domain.WorkItem{}, err
	}
}

// ResolveItem resolves a reference outside of any transition.
func (e Engine) ResolveItem(ctx context.Context, ref string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	w, err := e.resolveTx(ctx, tx, ref)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return w, tx.Commit()
}

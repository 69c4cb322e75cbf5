// Package audit appends immutable transition records. Records are written in
// the same transaction as the status mutation they describe; if the append
// fails the whole transition rolls back.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"switchyard/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts one audit record and returns its assigned id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec domain.AuditRecord) (int64, error) {
	if rec.TS == "" {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		rec.TS = now().UTC().Format(time.RFC3339)
	}
	if rec.Effects == nil {
		rec.Effects = []string{}
	}
	effects, err := json.Marshal(rec.Effects)
	if err != nil {
		return 0, fmt.Errorf("marshal audit effects: %w", err)
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = string(b)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log(ts,item_type,item_id,item_code,from_status,to_status,actor_id,change_source,effects_json,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.TS, rec.ItemType, rec.ItemID, rec.ItemCode, rec.FromStatus, rec.ToStatus,
		nullable(rec.ActorID), rec.ChangeSource, string(effects), metadata)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"switchyard/internal/domain"
)

const apiKeyColumns = `id,actor_id,name,key_hash,created_at`

// HashAPIKey digests a key secret for storage and lookup. Only the digest is
// ever persisted.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := row.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, nil
}

// InsertAPIKey stores a key record. KeyHash must already hold the digest.
func (r Repo) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	switch {
	case k.ID == "":
		return errors.New("api key id required")
	case k.ActorID == "":
		return errors.New("api key actor_id required")
	case k.KeyHash == "":
		return errors.New("api key key_hash required")
	}
	if k.CreatedAt == "" {
		k.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

// GetAPIKeyByHash looks a key up by its digest.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
}

// ListAPIKeys returns keys newest first, optionally for one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package repo_test

import (
	"context"
	"errors"
	"testing"

	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/migrate"
	"switchyard/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	secret := "s3cret-token"
	key := domain.APIKey{
		ID:      "key-1",
		ActorID: "ci-bot",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(secret),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ActorID != "ci-bot" || got.Name != "ci" {
		t.Fatalf("unexpected key %+v", got)
	}
	if got.CreatedAt == "" {
		t.Fatal("created_at not defaulted")
	}

	// the raw secret is never a valid lookup value
	if _, err := r.GetAPIKeyByHash(ctx, secret); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("raw secret lookup should miss, got %v", err)
	}
}

func TestAPIKeyListFilterAndDelete(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	for _, k := range []domain.APIKey{
		{ID: "key-1", ActorID: "ci-bot", KeyHash: repo.HashAPIKey("a")},
		{ID: "key-2", ActorID: "ci-bot", KeyHash: repo.HashAPIKey("b")},
		{ID: "key-3", ActorID: "dev-1", KeyHash: repo.HashAPIKey("c")},
	} {
		if err := r.InsertAPIKey(ctx, k); err != nil {
			t.Fatalf("insert %s: %v", k.ID, err)
		}
	}

	keys, err := r.ListAPIKeys(ctx, "ci-bot")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys for ci-bot, got %d", len(keys))
	}

	if err := r.DeleteAPIKey(ctx, "key-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}
	keys, err = r.ListAPIKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys after delete, got %d", len(keys))
	}
}

func TestInsertAPIKeyValidation(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	cases := []domain.APIKey{
		{ActorID: "a", KeyHash: "h"},
		{ID: "k", KeyHash: "h"},
		{ID: "k", ActorID: "a"},
	}
	for _, k := range cases {
		if err := r.InsertAPIKey(ctx, k); err == nil {
			t.Fatalf("expected validation error for %+v", k)
		}
	}
}

package compat_test

import (
	"context"
	"testing"
	"time"

	"switchyard/internal/compat"
	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/migrate"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if err := eng.EnsureWorkflow(context.Background()); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return eng
}

func TestMapType(t *testing.T) {
	cases := map[string]domain.ItemType{
		"feedback":    domain.ItemTypeIssue,
		"features":    domain.ItemTypeFeature,
		"build_tasks": domain.ItemTypeTask,
		"Task":        domain.ItemTypeTask,
	}
	for legacy, want := range cases {
		got, err := compat.MapType(legacy)
		if err != nil || got != want {
			t.Fatalf("MapType(%q) = %v, %v; want %v", legacy, got, err, want)
		}
	}
	if _, err := compat.MapType("widgets"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestMapStatus(t *testing.T) {
	if got := compat.MapStatus("done"); got != "completed" {
		t.Fatalf("done -> %s", got)
	}
	if got := compat.MapStatus("in-progress"); got != "in_progress" {
		t.Fatalf("in-progress -> %s", got)
	}
	if got := compat.MapStatus("triaged"); got != "triaged" {
		t.Fatalf("triaged should pass through, got %s", got)
	}
}

func TestAdvanceStatusWithBareNumericRef(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	task, err := eng.CreateItem(ctx, engine.CreateItemOptions{Type: domain.ItemTypeTask, Title: "legacy task", ActorID: "legacy-bot"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := compat.AdvanceStatus(ctx, eng, "build_tasks", "1", "in-progress", "legacy-bot")
	if err != nil {
		t.Fatal(err)
	}
	if res.ItemID != task.ID || res.NewStatus != "in_progress" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = compat.AdvanceStatus(ctx, eng, "build_tasks", "1", "done", "legacy-bot")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != "completed" {
		t.Fatalf("done should map to completed, got %s", res.NewStatus)
	}

	_, recs, err := eng.History(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := recs[len(recs)-1]
	if last.ChangeSource != "legacy" {
		t.Fatalf("legacy moves should be attributed, got %s", last.ChangeSource)
	}
	if last.Metadata["legacy_status"] != "done" {
		t.Fatalf("expected original status in metadata, got %v", last.Metadata)
	}
}

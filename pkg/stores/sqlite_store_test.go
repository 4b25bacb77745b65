package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRun(id, pkg string, started time.Time) *engine.RunSummary {
	return &engine.RunSummary{
		ID:          id,
		Package:     pkg,
		OldVersion:  "1.0",
		NewVersion:  "1.1",
		Status:      engine.RunStatusFailed,
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
		Patches: []engine.Patch{
			{Index: 0, Path: "/r/rebased-sources/a.patch", Status: engine.PatchStatusModified},
			{Index: 1, Path: "/p/b.patch", Status: engine.PatchStatusDeleted},
		},
		Failures: []engine.FailureRecord{
			{Category: engine.FailureBinaryPackageBuild, Version: engine.VersionNew, Section: "%check"},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "patch_outcomes", "build_failures"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run := testRun("run-1", "foo", started)
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if got.Package != "foo" || got.NewVersion != "1.1" || got.Status != engine.RunStatusFailed {
		t.Errorf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.CompletedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("timestamps not preserved: %v %v", got.StartedAt, got.CompletedAt)
	}
	if len(got.Patches) != 2 || got.Patches[1].Status != engine.PatchStatusDeleted {
		t.Errorf("unexpected patches: %+v", got.Patches)
	}
	if len(got.Failures) != 1 || got.Failures[0].Section != "%check" {
		t.Errorf("unexpected failures: %+v", got.Failures)
	}
}

func TestSaveRunReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1", "foo", time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	run.Status = engine.RunStatusSucceeded
	run.Failures = nil
	run.Patches = run.Patches[:1]
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded || len(got.Patches) != 1 || len(got.Failures) != 0 {
		t.Errorf("run not replaced: %+v", got)
	}
}

func TestSaveRunValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, &engine.RunSummary{Status: engine.RunStatusFailed}); err == nil {
		t.Error("expected error for missing ID")
	}
	if err := store.SaveRun(ctx, &engine.RunSummary{ID: "x", Status: "exploded"}); err == nil {
		t.Error("expected error for invalid status")
	}

	// Two failure records for one version violate the primary key.
	run := testRun("dup", "foo", time.Now())
	run.Failures = append(run.Failures, engine.FailureRecord{Category: engine.FailureSourcePackageBuild, Version: engine.VersionNew})
	if err := store.SaveRun(ctx, run); err == nil {
		t.Error("expected error for duplicate failure record")
	}
	if _, err := store.GetRun(ctx, "dup"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed save must roll back, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, pkg := range []string{"foo", "bar", "foo"} {
		run := testRun("run-"+string(rune('a'+i)), pkg, base.Add(time.Duration(i)*time.Hour))
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" {
		t.Fatalf("expected newest first, got %d runs", len(all))
	}
	if len(all[0].Patches) != 2 {
		t.Errorf("details not loaded for listed runs")
	}

	foo, err := store.ListRuns(ctx, ListOptions{Package: "foo", Limit: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(foo) != 1 || foo[0].ID != "run-c" {
		t.Errorf("unexpected filtered runs: %+v", foo)
	}

	page, err := store.ListRuns(ctx, ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-a" {
		t.Errorf("unexpected page: %+v", page)
	}

	none, err := store.ListRuns(ctx, ListOptions{Status: engine.RunStatusDetached})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no detached runs, got %d", len(none))
	}
}

func TestDeleteRunCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, testRun("run-1", "foo", time.Now())); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patch_outcomes").Scan(&count); err != nil {
		t.Fatalf("failed to count patches: %v", err)
	}
	if count != 0 {
		t.Errorf("expected patch outcomes to be deleted, found %d", count)
	}

	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailureStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, section := range []string{"%check", "%check", "%build"} {
		run := testRun("run-"+string(rune('a'+i)), "foo", time.Now())
		run.Failures[0].Section = section
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	stats, err := store.FailureStats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 stat rows, got %d", len(stats))
	}
	if stats[0].Section != "%check" || stats[0].Count != 2 {
		t.Errorf("unexpected top stat: %+v", stats[0])
	}
}

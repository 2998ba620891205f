package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wanistream/app/config"
	"wanistream/app/database"
	"wanistream/app/model"
	"wanistream/app/store"
)

func TestCleanupCatalogue(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "cleanup.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	streams := store.NewStreamStore(db)
	ctx := context.Background()
	now := time.Now()

	active := &model.Stream{Title: "leftover", Status: model.StreamStatusActive}
	old := &model.Stream{Title: "old", Status: model.StreamStatusCompleted, CreatedAt: now.AddDate(0, 0, -40)}
	recent := &model.Stream{Title: "recent", Status: model.StreamStatusFailed}
	for _, row := range []*model.Stream{active, old, recent} {
		if err := streams.Create(ctx, row); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	marked, deleted, err := cleanupCatalogue(ctx, streams, 30, now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if marked != 1 || deleted != 1 {
		t.Fatalf("marked=%d deleted=%d, want 1 and 1", marked, deleted)
	}

	got, err := streams.GetJob(ctx, active.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StreamStatusInterrupted || got.ActualEnd == nil {
		t.Fatalf("leftover row = %s end=%v, want interrupted with end time", got.Status, got.ActualEnd)
	}
	if _, err := streams.GetJob(ctx, old.ID); err == nil {
		t.Fatal("expired row was not deleted")
	}
	if _, err := streams.GetJob(ctx, recent.ID); err != nil {
		t.Fatalf("recent terminal row deleted: %v", err)
	}
}

func TestShutdownTimeoutCoversStopGrace(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.StopGrace = 30 * time.Second
	if got := shutdownTimeout(cfg); got <= cfg.Supervisor.StopGrace {
		t.Fatalf("shutdown timeout %s must exceed stop grace %s", got, cfg.Supervisor.StopGrace)
	}
}

package database

import (
	"path/filepath"
	"testing"

	"wanistream/app/config"
	"wanistream/app/logger"
	"wanistream/app/model"
	"wanistream/app/utils"
)

func TestInitAdminUserCreatesThenSyncs(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Username = "admin"
	cfg.Server.Password = "secret1"
	if err := InitAdminUser(db, cfg, logger.NewNop()); err != nil {
		t.Fatalf("init admin: %v", err)
	}

	cfg.Server.Username = "root"
	cfg.Server.Password = "secret2"
	if err := InitAdminUser(db, cfg, logger.NewNop()); err != nil {
		t.Fatalf("sync admin: %v", err)
	}

	var users []model.User
	if err := db.Find(&users).Error; err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected a single admin, got %d", len(users))
	}
	if users[0].Username != "root" || !utils.VerifyPassword("secret2", users[0].Password) {
		t.Fatalf("admin not synced: %+v", users[0])
	}
}

func TestInitAdminUserRequiresCredentials(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := InitAdminUser(db, config.Default(), logger.NewNop()); err == nil {
		t.Fatal("expected error without credentials")
	}
}

package repositories

import (
	"context"
	"testing"

	"github.com/lucsky/cuid"

	"github.com/bbernstein/lacylights-audio/internal/testutil"
)

// TestSettingRepository_CRUD tests basic CRUD operations on the SettingRepository.
func TestSettingRepository_CRUD(t *testing.T) {
	testDB, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	repo := NewSettingRepository(testDB.DB)
	ctx := context.Background()

	testKey := "test_key_" + cuid.Slug()

	found, err := repo.FindByKey(ctx, testKey)
	if err != nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if found != nil {
		t.Error("Expected nil for non-existent setting")
	}

	setting, err := repo.Upsert(ctx, testKey, "test_value")
	if err != nil {
		t.Fatalf("Upsert (create) failed: %v", err)
	}
	if setting.ID == "" {
		t.Error("Expected setting ID to be set")
	}
	if setting.Value != "test_value" {
		t.Errorf("Value mismatch: got %s, want test_value", setting.Value)
	}

	updated, err := repo.Upsert(ctx, testKey, "updated_value")
	if err != nil {
		t.Fatalf("Upsert (update) failed: %v", err)
	}
	if updated.ID != setting.ID {
		t.Error("Expected same ID after update")
	}

	found, err = repo.FindByKey(ctx, testKey)
	if err != nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if found == nil || found.Value != "updated_value" {
		t.Fatalf("Expected updated setting, got %+v", found)
	}

	settings, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(settings) != 1 {
		t.Errorf("Expected one setting, got %d", len(settings))
	}

	if err := repo.Delete(ctx, testKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	found, _ = repo.FindByKey(ctx, testKey)
	if found != nil {
		t.Error("Expected setting to be deleted")
	}
}

func TestSettingRepository_UpsertManyAndPrefix(t *testing.T) {
	testDB, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	repo := NewSettingRepository(testDB.DB)
	ctx := context.Background()

	err := repo.UpsertMany(ctx, map[string]string{
		"mixer.ip":        `"10.0.0.5"`,
		"mixer.enabled":   "true",
		"remote.port":     "3000",
		"mixer_other.key": "x",
	})
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}

	mixer, err := repo.FindByPrefix(ctx, "mixer.")
	if err != nil {
		t.Fatalf("FindByPrefix failed: %v", err)
	}
	if len(mixer) != 2 {
		t.Fatalf("Expected 2 mixer settings, got %d", len(mixer))
	}
	if mixer[0].Key != "mixer.enabled" || mixer[1].Key != "mixer.ip" {
		t.Errorf("Unexpected keys or order: %s, %s", mixer[0].Key, mixer[1].Key)
	}

	if err := repo.UpsertMany(ctx, map[string]string{"mixer.ip": `"10.0.0.6"`}); err != nil {
		t.Fatalf("UpsertMany (update) failed: %v", err)
	}
	found, _ := repo.FindByKey(ctx, "mixer.ip")
	if found == nil || found.Value != `"10.0.0.6"` {
		t.Errorf("Expected updated mixer.ip, got %+v", found)
	}
}

// TestNewSettingRepository tests the constructor.
func TestNewSettingRepository(t *testing.T) {
	testDB, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	repo := NewSettingRepository(testDB.DB)
	if repo == nil {
		t.Fatal("Expected non-nil repository")
	}
	if repo.db != testDB.DB {
		t.Error("Expected db to be set")
	}
}

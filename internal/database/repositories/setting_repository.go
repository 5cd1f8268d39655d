// Package repositories provides data access for persisted models.
package repositories

import (
	"context"
	"errors"
	"strings"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/bbernstein/lacylights-audio/internal/database/models"
)

// SettingRepository handles setting data access.
type SettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// FindAll returns all settings ordered by key.
func (r *SettingRepository) FindAll(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	result := r.db.WithContext(ctx).
		Order("key ASC").
		Find(&settings)
	return settings, result.Error
}

// FindByPrefix returns settings whose key starts with prefix, e.g. "mixer.".
func (r *SettingRepository) FindByPrefix(ctx context.Context, prefix string) ([]models.Setting, error) {
	var settings []models.Setting
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix)
	result := r.db.WithContext(ctx).
		Where(`key LIKE ? ESCAPE '\'`, escaped+"%").
		Order("key ASC").
		Find(&settings)
	return settings, result.Error
}

// FindByKey returns a setting by key, or nil when absent.
func (r *SettingRepository) FindByKey(ctx context.Context, key string) (*models.Setting, error) {
	return findByKey(r.db.WithContext(ctx), key)
}

// Upsert creates or updates a setting by key.
func (r *SettingRepository) Upsert(ctx context.Context, key, value string) (*models.Setting, error) {
	return upsert(r.db.WithContext(ctx), key, value)
}

// UpsertMany writes several settings in one transaction, so a section is
// never left half-updated.
func (r *SettingRepository) UpsertMany(ctx context.Context, values map[string]string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range values {
			if _, err := upsert(tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete deletes a setting by key.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Delete(&models.Setting{}, "key = ?", key).Error
}

func findByKey(db *gorm.DB, key string) (*models.Setting, error) {
	var setting models.Setting
	result := db.First(&setting, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

func upsert(db *gorm.DB, key, value string) (*models.Setting, error) {
	existing, err := findByKey(db, key)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		setting := models.Setting{
			ID:    cuid.New(),
			Key:   key,
			Value: value,
		}
		if err := db.Create(&setting).Error; err != nil {
			return nil, err
		}
		return &setting, nil
	}

	existing.Value = value
	if err := db.Save(existing).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

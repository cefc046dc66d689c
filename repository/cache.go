package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/genodx/lis-sync/repository/models"
)

// GetPendingOutbox returns up to limit outbox rows awaiting relay.
func (r *Repository) GetPendingOutbox(ctx context.Context, limit int) ([]models.Outbox, error) {
	var rows []models.Outbox
	err := r.db.WithContext(ctx).
		Where("status = ?", models.OutboxPending).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, dbError(err)
	}
	return rows, nil
}

// MarkDoneOutboxes flags relayed rows as completed.
func (r *Repository) MarkDoneOutboxes(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.Outbox{}).
		Where("id IN ?", ids).
		Update("status", models.OutboxCompleted).Error
	if err != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to mark outboxes", Detail: err.Error()}
	}
	return nil
}

// TokenCache returns the database-backed token cache shared by every
// worker process. Reads and writes are atomic per key: the upsert
// replaces value and expiry in a single statement, so a reader never
// observes a half-written entry.
func (r *Repository) TokenCache() *DBTokenCache {
	return &DBTokenCache{db: r.db}
}

// DBTokenCache stores encrypted tokens in the cached_tokens table.
type DBTokenCache struct {
	db *gorm.DB
}

func (c *DBTokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row models.CachedToken
	err := c.db.WithContext(ctx).Where("name = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, dbError(err)
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, false, nil
	}
	return row.Value, true, nil
}

func (c *DBTokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	row := models.CachedToken{
		Name:      key,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return dbError(err)
	}
	return nil
}

func (c *DBTokenCache) Delete(ctx context.Context, key string) error {
	err := c.db.WithContext(ctx).Where("name = ?", key).Delete(&models.CachedToken{}).Error
	if err != nil {
		return dbError(err)
	}
	return nil
}

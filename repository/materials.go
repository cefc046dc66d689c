package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/genodx/lis-sync/material"
	"github.com/genodx/lis-sync/repository/models"
)

// CreateOrderMaterial records a bulk container request.
func (r *Repository) CreateOrderMaterial(ctx context.Context, userID, sampleTypeID string, amount int) (*models.OrderMaterial, error) {
	if amount <= 0 {
		return nil, &RepositoryError{Code: "INVALID_AMOUNT", Message: "Invalid amount", Detail: fmt.Sprintf("amount must be positive, got %d", amount)}
	}
	om := models.OrderMaterial{
		ID:           fmt.Sprintf("OM-%s", uuid.New().String()[:8]),
		UserID:       userID,
		SampleTypeID: sampleTypeID,
		Amount:       amount,
		Status:       models.OrderMaterialOrdered,
	}
	if err := r.db.WithContext(ctx).Create(&om).Error; err != nil {
		return nil, &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to create order material", Detail: err.Error()}
	}
	return &om, nil
}

// GetOrderMaterial retrieves an order material with the relations the
// gateway validates against.
func (r *Repository) GetOrderMaterial(ctx context.Context, omID string) (*models.OrderMaterial, error) {
	var om models.OrderMaterial
	err := r.db.WithContext(ctx).
		Preload("User").
		Preload("SampleType").
		Where("order_material_id = ?", omID).
		First(&om).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("OrderMaterial", omID)
		}
		return nil, dbError(err)
	}
	return &om, nil
}

// SetOrderMaterialStatus updates the request status after a sync.
func (r *Repository) SetOrderMaterialStatus(ctx context.Context, omID string, status models.OrderMaterialStatus) error {
	err := r.db.WithContext(ctx).Model(&models.OrderMaterial{}).
		Where("order_material_id = ?", omID).
		Update("status", status).Error
	if err != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to update order material", Detail: err.Error()}
	}
	return nil
}

// PersistOrderMaterialServerID stores the LIS-assigned id. Write-once:
// persisting an equal id again is a no-op, a differing id is a conflict
// and nothing is overwritten.
func (r *Repository) PersistOrderMaterialServerID(ctx context.Context, omID string, serverID int64) error {
	var om models.OrderMaterial
	if err := r.db.WithContext(ctx).Where("order_material_id = ?", omID).First(&om).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("OrderMaterial", omID)
		}
		return dbError(err)
	}
	if om.ServerID != nil {
		if *om.ServerID == serverID {
			return nil
		}
		return ErrServerIDConflict
	}

	res := r.db.WithContext(ctx).Model(&models.OrderMaterial{}).
		Where("order_material_id = ? AND server_id IS NULL", omID).
		Update("server_id", serverID)
	if res.Error != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to persist external reference", Detail: res.Error.Error()}
	}
	if res.RowsAffected == 0 {
		// A concurrent sync won the write between the read and the
		// guarded update; re-read and compare.
		if err := r.db.WithContext(ctx).Where("order_material_id = ?", omID).First(&om).Error; err != nil {
			return dbError(err)
		}
		if om.ServerID != nil && *om.ServerID == serverID {
			return nil
		}
		return ErrServerIDConflict
	}
	return nil
}

// MaterialCount returns how many materials exist for an order material.
func (r *Repository) MaterialCount(ctx context.Context, omID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Material{}).
		Where("order_material_id = ?", omID).
		Count(&count).Error
	if err != nil {
		return 0, dbError(err)
	}
	return count, nil
}

// InsertMaterials persists a generated batch all-or-nothing. A barcode
// uniqueness violation rolls the whole batch back and surfaces as a
// retryable allocation conflict.
func (r *Repository) InsertMaterials(ctx context.Context, materials []models.Material) error {
	dbTx := r.db.WithContext(ctx).Begin()

	for i := range materials {
		if err := dbTx.Create(&materials[i]).Error; err != nil {
			dbTx.Rollback()
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: barcode %s", material.ErrAllocationConflict, materials[i].Barcode)
			}
			return &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to create material", Detail: err.Error()}
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return &RepositoryError{Code: "COMMIT_FAILED", Message: "Failed to commit transaction", Detail: err.Error()}
	}
	return nil
}

// MaterialByBarcode retrieves a material by its barcode.
func (r *Repository) MaterialByBarcode(ctx context.Context, barcode string) (*models.Material, error) {
	var m models.Material
	err := r.db.WithContext(ctx).Where("barcode = ?", barcode).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, material.ErrNotFound
		}
		return nil, dbError(err)
	}
	return &m, nil
}

// CompareAndBind binds the material to the sample only while it is
// unbound or already bound to the same sample. The guarded UPDATE plus
// the sample back-reference run in one transaction, so two concurrent
// scans of the same barcode cannot both win.
func (r *Repository) CompareAndBind(ctx context.Context, barcode, sampleID string) (bool, error) {
	dbTx := r.db.WithContext(ctx).Begin()

	res := dbTx.Model(&models.Material{}).
		Where("barcode = ? AND (sample_id IS NULL OR sample_id = ?)", barcode, sampleID).
		Update("sample_id", sampleID)
	if res.Error != nil {
		dbTx.Rollback()
		// The sample_id unique index rejects a sample that already
		// holds a different material.
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, fmt.Errorf("%w: sample %s", material.ErrSampleBound, sampleID)
		}
		return false, dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		dbTx.Rollback()
		return false, nil
	}

	if err := dbTx.Model(&models.Sample{}).
		Where("sample_id = ?", sampleID).
		Update("material_id", dbTx.Model(&models.Material{}).Select("material_id").Where("barcode = ?", barcode)).Error; err != nil {
		dbTx.Rollback()
		return false, dbError(err)
	}

	if err := dbTx.Commit().Error; err != nil {
		return false, &RepositoryError{Code: "COMMIT_FAILED", Message: "Failed to commit transaction", Detail: err.Error()}
	}
	return true, nil
}

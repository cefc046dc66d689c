// Package material implements barcode allocation for sample containers
// and the single-use binding of a container to a sample.
package material

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/genodx/lis-sync/repository/models"
)

var (
	// ErrAlreadyGenerated means materials were generated for this
	// OrderMaterial before. Generation is a one-time action.
	ErrAlreadyGenerated = errors.New("materials already generated for this request")

	// ErrAllocationConflict means the barcode unique constraint rejected
	// the batch. The attempt is retryable; nothing was persisted.
	ErrAllocationConflict = errors.New("barcode allocation conflict")

	// ErrNotFound means no material carries the scanned barcode.
	ErrNotFound = errors.New("material not found")

	// ErrNotOwned means the material belongs to a different user.
	ErrNotOwned = errors.New("material belongs to another user")

	// ErrAlreadyUsed means the material is bound to a different sample.
	ErrAlreadyUsed = errors.New("material already used by another sample")

	// ErrSampleBound means the sample already holds a different material.
	ErrSampleBound = errors.New("sample already bound to another material")
)

// Store is the persistence surface the allocator needs. Implementations
// must enforce barcode uniqueness at the storage level and make
// CompareAndBind atomic relative to concurrent binds on the same barcode.
type Store interface {
	// MaterialCount returns how many materials exist for an OrderMaterial.
	MaterialCount(ctx context.Context, orderMaterialID string) (int64, error)
	// InsertMaterials persists a batch all-or-nothing. A barcode
	// uniqueness violation is reported as ErrAllocationConflict.
	InsertMaterials(ctx context.Context, materials []models.Material) error
	// MaterialByBarcode returns ErrNotFound when no row matches.
	MaterialByBarcode(ctx context.Context, barcode string) (*models.Material, error)
	// CompareAndBind sets the material's sample when it is unbound or
	// already bound to the same sample. Returns false when a concurrent
	// bind won the row.
	CompareAndBind(ctx context.Context, barcode, sampleID string) (bool, error)
}

// Allocator generates barcoded materials and binds them to samples.
type Allocator struct {
	store Store
}

// NewAllocator builds an allocator over the given store.
func NewAllocator(store Store) *Allocator {
	return &Allocator{store: store}
}

// Barcode builds the container barcode: uppercase first letter of the
// sample type name, expire date as YYYYMMDD, and the batch sequence
// number. Uniqueness is guaranteed by the storage constraint, not by
// this scheme alone.
func Barcode(sampleTypeName string, expireDate time.Time, seq int) string {
	letter := "X"
	for _, r := range sampleTypeName {
		letter = string(unicode.ToUpper(r))
		break
	}
	return fmt.Sprintf("%s-%s-%d", letter, expireDate.Format("20060102"), seq)
}

// GenerateBatch creates the materials for an OrderMaterial. It fails with
// ErrAlreadyGenerated when any materials exist for the request, and with
// ErrAllocationConflict when the store rejects a barcode; in both cases
// zero rows are persisted.
func (a *Allocator) GenerateBatch(ctx context.Context, om *models.OrderMaterial, expireDate time.Time) ([]models.Material, error) {
	if om.Amount <= 0 {
		return nil, fmt.Errorf("order material %s has non-positive amount %d", om.ID, om.Amount)
	}
	if om.SampleType == nil {
		return nil, fmt.Errorf("order material %s has no sample type loaded", om.ID)
	}

	existing, err := a.store.MaterialCount(ctx, om.ID)
	if err != nil {
		return nil, fmt.Errorf("counting existing materials: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyGenerated
	}

	materials := make([]models.Material, 0, om.Amount)
	for i := 0; i < om.Amount; i++ {
		materials = append(materials, models.Material{
			ID:              fmt.Sprintf("MAT-%s", uuid.New().String()[:8]),
			Barcode:         Barcode(om.SampleType.Name, expireDate, i),
			ExpireDate:      expireDate,
			SampleTypeID:    om.SampleTypeID,
			UserID:          om.UserID,
			OrderMaterialID: om.ID,
		})
	}

	if err := a.store.InsertMaterials(ctx, materials); err != nil {
		return nil, err
	}
	return materials, nil
}

// BindBarcode binds a scanned barcode to a sample. Checks run in order:
// existence, ownership, single use. Rebinding the same sample is a no-op.
// The final compare-and-bind closes the race against concurrent scans.
func (a *Allocator) BindBarcode(ctx context.Context, barcode string, user *models.User, sampleID string) error {
	m, err := a.store.MaterialByBarcode(ctx, barcode)
	if err != nil {
		return err
	}
	if m.UserID != user.ID {
		return ErrNotOwned
	}
	if m.SampleID != nil {
		if *m.SampleID == sampleID {
			return nil
		}
		return ErrAlreadyUsed
	}

	ok, err := a.store.CompareAndBind(ctx, barcode, sampleID)
	if err != nil {
		return fmt.Errorf("binding barcode %s: %w", barcode, err)
	}
	if !ok {
		return ErrAlreadyUsed
	}
	return nil
}

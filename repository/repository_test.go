package repository

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/genodx/lis-sync/config"
	"github.com/genodx/lis-sync/material"
	"github.com/genodx/lis-sync/repository/models"
)

// getTestingRepo connects to the development database. Rows are created
// with fresh ids per run, so no truncation is needed.
func getTestingRepo(t *testing.T) *Repository {
	t.Helper()
	cfg := config.LoadConfig()
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	repo := &Repository{db: db}
	if err := repo.Migrate(); err != nil {
		t.Skipf("migration failed: %v", err)
	}
	return repo
}

func createTestUser(t *testing.T, repo *Repository) *models.User {
	t.Helper()
	suffix := uuid.New().String()[:8]
	user := &models.User{
		ID:    fmt.Sprintf("USR-%s", suffix),
		Email: fmt.Sprintf("%s@clinic.example", suffix),
	}
	assert.NoError(t, repo.db.Create(user).Error)
	return user
}

func createTestSampleType(t *testing.T, repo *Repository) *models.SampleType {
	t.Helper()
	st := &models.SampleType{
		ID:        fmt.Sprintf("ST-%s", uuid.New().String()[:8]),
		Name:      "Blood",
		Orderable: true,
	}
	assert.NoError(t, repo.db.Create(st).Error)
	return st
}

func createTestMaterial(t *testing.T, repo *Repository, user *models.User, st *models.SampleType, omID string) models.Material {
	t.Helper()
	m := models.Material{
		ID:              fmt.Sprintf("MAT-%s", uuid.New().String()[:8]),
		Barcode:         fmt.Sprintf("B-%s", uuid.New().String()),
		ExpireDate:      time.Now().AddDate(1, 0, 0),
		SampleTypeID:    st.ID,
		UserID:          user.ID,
		OrderMaterialID: omID,
	}
	assert.NoError(t, repo.InsertMaterials(context.Background(), []models.Material{m}))
	return m
}

func createTestSample(t *testing.T, repo *Repository, user *models.User, st *models.SampleType) string {
	t.Helper()
	ctx := context.Background()
	order, err := repo.CreateOrder(ctx, user.ID)
	assert.NoError(t, err)
	assert.NoError(t, repo.ReplaceOrderSamples(ctx, order.ID, []models.Sample{{SampleTypeID: st.ID}}))

	loaded, err := repo.GetOrder(ctx, order.ID)
	assert.NoError(t, err)
	assert.Len(t, loaded.Samples, 1)
	return loaded.Samples[0].ID
}

func Test_SetOrderServerID_WriteOnce(t *testing.T) {
	repo := getTestingRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)

	order, err := repo.CreateOrder(ctx, user.ID)
	assert.NoError(t, err)

	serverID := rand.Int63n(1 << 40)
	assert.NoError(t, repo.SetOrderServerID(ctx, order.ID, serverID))

	// The same id again is a no-op, a different id is a conflict.
	assert.NoError(t, repo.SetOrderServerID(ctx, order.ID, serverID))
	assert.ErrorIs(t, repo.SetOrderServerID(ctx, order.ID, serverID+1), ErrServerIDConflict)

	loaded, err := repo.GetOrder(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, serverID, *loaded.ServerID)
}

func Test_PersistOrderMaterialServerID_WriteOnce(t *testing.T) {
	repo := getTestingRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)
	st := createTestSampleType(t, repo)

	om, err := repo.CreateOrderMaterial(ctx, user.ID, st.ID, 2)
	assert.NoError(t, err)

	serverID := rand.Int63n(1 << 40)
	assert.NoError(t, repo.PersistOrderMaterialServerID(ctx, om.ID, serverID))
	assert.NoError(t, repo.PersistOrderMaterialServerID(ctx, om.ID, serverID))
	assert.ErrorIs(t, repo.PersistOrderMaterialServerID(ctx, om.ID, serverID+1), ErrServerIDConflict)

	loaded, err := repo.GetOrderMaterial(ctx, om.ID)
	assert.NoError(t, err)
	assert.Equal(t, serverID, *loaded.ServerID)
}

func Test_PersistOrderMaterialServerID_LostRace(t *testing.T) {
	repo := getTestingRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)
	st := createTestSampleType(t, repo)

	om, err := repo.CreateOrderMaterial(ctx, user.ID, st.ID, 2)
	assert.NoError(t, err)

	// A concurrent writer fills server_id after this caller's read but
	// before its guarded update. The guarded update then matches zero
	// rows, which must resolve to no-op or conflict, never silent success.
	won := rand.Int63n(1 << 40)
	raceArmed := true
	assert.NoError(t, repo.db.Callback().Update().Before("gorm:update").Register("race_write", func(tx *gorm.DB) {
		if !raceArmed {
			return
		}
		raceArmed = false
		tx.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE order_materials SET server_id = ? WHERE order_material_id = ?", won, om.ID)
	}))
	defer repo.db.Callback().Update().Remove("race_write")

	assert.ErrorIs(t, repo.PersistOrderMaterialServerID(ctx, om.ID, won+1), ErrServerIDConflict)

	loaded, err := repo.GetOrderMaterial(ctx, om.ID)
	assert.NoError(t, err)
	assert.Equal(t, won, *loaded.ServerID)
}

func Test_InsertMaterials_BarcodeConflict(t *testing.T) {
	repo := getTestingRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)
	st := createTestSampleType(t, repo)

	om, err := repo.CreateOrderMaterial(ctx, user.ID, st.ID, 2)
	assert.NoError(t, err)
	existing := createTestMaterial(t, repo, user, st, om.ID)

	before, err := repo.MaterialCount(ctx, om.ID)
	assert.NoError(t, err)

	// A batch colliding on an existing barcode fails all-or-nothing.
	dup := existing
	dup.ID = fmt.Sprintf("MAT-%s", uuid.New().String()[:8])
	fresh := existing
	fresh.ID = fmt.Sprintf("MAT-%s", uuid.New().String()[:8])
	fresh.Barcode = fmt.Sprintf("B-%s", uuid.New().String())

	err = repo.InsertMaterials(ctx, []models.Material{fresh, dup})
	assert.ErrorIs(t, err, material.ErrAllocationConflict)

	after, err := repo.MaterialCount(ctx, om.ID)
	assert.NoError(t, err)
	assert.Equal(t, before, after)
}

func Test_CompareAndBind(t *testing.T) {
	repo := getTestingRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)
	st := createTestSampleType(t, repo)

	om, err := repo.CreateOrderMaterial(ctx, user.ID, st.ID, 2)
	assert.NoError(t, err)
	m1 := createTestMaterial(t, repo, user, st, om.ID)
	m2 := createTestMaterial(t, repo, user, st, om.ID)

	sample1 := createTestSample(t, repo, user, st)
	sample2 := createTestSample(t, repo, user, st)

	ok, err := repo.CompareAndBind(ctx, m1.Barcode, sample1)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Rebinding the same pair stays a success.
	ok, err = repo.CompareAndBind(ctx, m1.Barcode, sample1)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Another sample on a bound barcode loses the guard cleanly.
	ok, err = repo.CompareAndBind(ctx, m1.Barcode, sample2)
	assert.NoError(t, err)
	assert.False(t, ok)

	// A second container for an already-bound sample is a domain
	// conflict, not a bare database error.
	ok, err = repo.CompareAndBind(ctx, m2.Barcode, sample1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, material.ErrSampleBound)
}

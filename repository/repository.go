package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/genodx/lis-sync/repository/models"
)

// ErrServerIDConflict means the LIS returned an external id that differs
// from the one already persisted. Nothing is overwritten.
var ErrServerIDConflict = errors.New("external reference conflicts with persisted server id")

// RepositoryError represents repository layer errors.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

func notFound(kind, id string) *RepositoryError {
	return &RepositoryError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found", kind),
		Detail:  fmt.Sprintf("%s %s does not exist", kind, id),
	}
}

func dbError(err error) *RepositoryError {
	return &RepositoryError{Code: "DATABASE_ERROR", Message: "Database error", Detail: err.Error()}
}

// Repository handles all database operations for the order-sync service.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance.
func NewRepository() *Repository {
	return &Repository{}
}

// ConnectDB establishes the database connection and performs migrations.
func (r *Repository) ConnectDB(dsn string) error {
	for i := 0; i < 10; i++ {
		log.Printf("Database connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err != nil {
			log.Printf("Connection attempt %d failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		log.Println("Connected to database")

		if err := r.Migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to connect to database after 10 attempts")
}

// Migrate performs database schema migrations.
func (r *Repository) Migrate() error {
	log.Println("Running database migrations...")

	migrator := r.db.Migrator()

	// Order matters due to foreign keys
	tables := []interface{}{
		&models.User{},
		&models.Patient{},
		&models.SampleType{},
		&models.Test{},
		&models.Order{},
		&models.Sample{},
		&models.OrderFile{},
		&models.OrderMaterial{},
		&models.Material{},
		&models.CollectRequest{},
		&models.Outbox{},
		&models.CachedToken{},
	}

	for _, table := range tables {
		if !migrator.HasTable(table) {
			if err := migrator.CreateTable(table); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
	}

	log.Println("Database migrations completed")
	return nil
}

// Seed initializes the database with reference data for local use.
func (r *Repository) Seed() {
	var typeCount int64
	r.db.Model(&models.SampleType{}).Count(&typeCount)
	if typeCount > 0 {
		log.Println("Seed data already exists, skipping...")
		return
	}

	log.Println("Seeding database...")

	bloodServerID := int64(101)
	salivaServerID := int64(102)
	sampleTypes := []models.SampleType{
		{ID: "ST-BLOOD", Name: "Blood", Orderable: true, ServerID: &bloodServerID},
		{ID: "ST-SALIVA", Name: "Saliva", Orderable: true, ServerID: &salivaServerID},
		{ID: "ST-TISSUE", Name: "Tissue", Orderable: false},
	}
	for _, st := range sampleTypes {
		r.db.Create(&st)
	}

	tests := []models.Test{
		{ID: "TST-WES", Name: "Whole Exome Sequencing"},
		{ID: "TST-CGH", Name: "Array CGH"},
	}
	for _, t := range tests {
		r.db.Create(&t)
	}
	r.db.Model(&models.Test{ID: "TST-WES"}).Association("SampleTypes").Append(&models.SampleType{ID: "ST-BLOOD"}, &models.SampleType{ID: "ST-SALIVA"})
	r.db.Model(&models.Test{ID: "TST-CGH"}).Association("SampleTypes").Append(&models.SampleType{ID: "ST-BLOOD"})

	referrer := "REF-1001"
	r.db.Create(&models.User{
		ID:         "USR-DEMO",
		Email:      "demo@clinic.example",
		ReferrerID: &referrer,
	})

	log.Println("Database seeding completed")
}

// GetUser retrieves a user by id.
func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("User", userID)
		}
		return nil, dbError(err)
	}
	return &user, nil
}

// CreateOrder creates a new order at the start of the intake wizard.
func (r *Repository) CreateOrder(ctx context.Context, userID string) (*models.Order, error) {
	order := models.Order{
		ID:     fmt.Sprintf("ORD-%s", uuid.New().String()[:8]),
		UserID: userID,
		Status: models.OrderPending,
		Step:   models.StepTestMethod,
	}
	if err := r.db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to create order", Detail: err.Error()}
	}
	return &order, nil
}

// GetOrder retrieves an order with everything the sync core reads.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("User").
		Preload("Patient").
		Preload("Tests.SampleTypes").
		Preload("Samples.SampleType").
		Preload("Files").
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Order", orderID)
		}
		return nil, dbError(err)
	}
	return &order, nil
}

// SaveOrderStep persists a step advance together with the step's data.
func (r *Repository) SaveOrderStep(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ?", order.ID).
		Updates(map[string]interface{}{
			"step":            order.Step,
			"status":          order.Status,
			"patient_id":      order.PatientID,
			"consent_answers": order.ConsentAnswers,
		}).Error
	if err != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to update order", Detail: err.Error()}
	}
	return nil
}

// SetOrderTests replaces the order's selected tests.
func (r *Repository) SetOrderTests(ctx context.Context, order *models.Order, testIDs []string) error {
	var tests []models.Test
	if err := r.db.WithContext(ctx).Where("test_id IN ?", testIDs).Find(&tests).Error; err != nil {
		return dbError(err)
	}
	if len(tests) != len(testIDs) {
		return &RepositoryError{Code: "NOT_FOUND", Message: "Test not found", Detail: "one or more selected tests do not exist"}
	}
	if err := r.db.WithContext(ctx).Model(order).Association("Tests").Replace(tests); err != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to set order tests", Detail: err.Error()}
	}
	return nil
}

// ReplaceOrderSamples swaps the order's samples in one transaction.
func (r *Repository) ReplaceOrderSamples(ctx context.Context, orderID string, samples []models.Sample) error {
	dbTx := r.db.WithContext(ctx).Begin()

	if err := dbTx.Where("order_id = ?", orderID).Delete(&models.Sample{}).Error; err != nil {
		dbTx.Rollback()
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to clear samples", Detail: err.Error()}
	}
	for i := range samples {
		samples[i].OrderID = orderID
		if samples[i].ID == "" {
			samples[i].ID = fmt.Sprintf("SMP-%s", uuid.New().String()[:8])
		}
		if err := dbTx.Create(&samples[i]).Error; err != nil {
			dbTx.Rollback()
			return &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to create sample", Detail: err.Error()}
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return &RepositoryError{Code: "COMMIT_FAILED", Message: "Failed to commit transaction", Detail: err.Error()}
	}
	return nil
}

// SetOrderStatus moves an order to a new status, stamping the matching
// timestamp column.
func (r *Repository) SetOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case models.OrderSent:
		updates["sent_at"] = now
	case models.OrderReceived:
		updates["received_at"] = now
	case models.OrderReported:
		updates["reported_at"] = now
	}

	err := r.db.WithContext(ctx).Model(&models.Order{}).Where("order_id = ?", orderID).Updates(updates).Error
	if err != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to update order status", Detail: err.Error()}
	}
	return nil
}

// SetOrderServerID persists the LIS-assigned order reference. Write-once:
// an equal value is a no-op, a differing value is a conflict.
func (r *Repository) SetOrderServerID(ctx context.Context, orderID string, serverID int64) error {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("Order", orderID)
		}
		return dbError(err)
	}
	if order.ServerID != nil {
		if *order.ServerID == serverID {
			return nil
		}
		return ErrServerIDConflict
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND server_id IS NULL", orderID).
		Update("server_id", serverID)
	if res.Error != nil {
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to persist order reference", Detail: res.Error.Error()}
	}
	if res.RowsAffected == 0 {
		// A concurrent update won the write between the read and the
		// guarded update; re-read and compare.
		if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
			return dbError(err)
		}
		if order.ServerID != nil && *order.ServerID == serverID {
			return nil
		}
		return ErrServerIDConflict
	}
	return nil
}

// CreateCollectRequest groups orders for pickup and writes the dispatch
// event into the outbox within the same transaction.
func (r *Repository) CreateCollectRequest(ctx context.Context, userID string, orderIDs []string, details datatypes.JSON, preferredDate *time.Time) (*models.CollectRequest, error) {
	dbTx := r.db.WithContext(ctx).Begin()

	var orders []models.Order
	if err := dbTx.Where("order_id IN ?", orderIDs).Find(&orders).Error; err != nil {
		dbTx.Rollback()
		return nil, dbError(err)
	}
	if len(orders) != len(orderIDs) {
		dbTx.Rollback()
		return nil, &RepositoryError{Code: "NOT_FOUND", Message: "Order not found", Detail: "one or more orders do not exist"}
	}

	cr := models.CollectRequest{
		ID:            fmt.Sprintf("CRQ-%s", uuid.New().String()[:8]),
		UserID:        userID,
		Status:        models.CollectRequestPending,
		Details:       details,
		PreferredDate: preferredDate,
	}
	if err := dbTx.Create(&cr).Error; err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to create collect request", Detail: err.Error()}
	}
	if err := dbTx.Model(&cr).Association("Orders").Append(orders); err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to link orders", Detail: err.Error()}
	}

	content, err := json.Marshal(map[string]string{"collect_request_id": cr.ID})
	if err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to build dispatch event", Detail: err.Error()}
	}
	if err := dbTx.Create(&models.Outbox{Content: content}).Error; err != nil {
		dbTx.Rollback()
		return nil, &RepositoryError{Code: "CREATE_FAILED", Message: "Failed to enqueue dispatch", Detail: err.Error()}
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, &RepositoryError{Code: "COMMIT_FAILED", Message: "Failed to commit transaction", Detail: err.Error()}
	}
	return &cr, nil
}

// GetCollectRequest retrieves a collect request with its orders fully
// loaded for payload building.
func (r *Repository) GetCollectRequest(ctx context.Context, crID string) (*models.CollectRequest, error) {
	var cr models.CollectRequest
	err := r.db.WithContext(ctx).
		Preload("User").
		Preload("Orders.Patient").
		Preload("Orders.Tests.SampleTypes").
		Preload("Orders.Samples.SampleType").
		Preload("Orders.Files").
		Where("collect_request_id = ?", crID).
		First(&cr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("CollectRequest", crID)
		}
		return nil, dbError(err)
	}
	return &cr, nil
}

// MarkCollectRequestDispatched transitions the collect request and its
// orders after a successful logistics sync.
func (r *Repository) MarkCollectRequestDispatched(ctx context.Context, crID string) error {
	dbTx := r.db.WithContext(ctx).Begin()

	if err := dbTx.Model(&models.CollectRequest{}).
		Where("collect_request_id = ?", crID).
		Update("status", models.CollectRequestDispatched).Error; err != nil {
		dbTx.Rollback()
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to update collect request", Detail: err.Error()}
	}

	if err := dbTx.Exec(
		`UPDATE orders SET status = ? WHERE order_id IN (SELECT order_id FROM collect_request_orders WHERE collect_request_id = ?)`,
		models.OrderLogisticRequested, crID,
	).Error; err != nil {
		dbTx.Rollback()
		return &RepositoryError{Code: "UPDATE_FAILED", Message: "Failed to update orders", Detail: err.Error()}
	}

	if err := dbTx.Commit().Error; err != nil {
		return &RepositoryError{Code: "COMMIT_FAILED", Message: "Failed to commit transaction", Detail: err.Error()}
	}
	return nil
}

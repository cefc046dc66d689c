package models

import (
	"time"

	"gorm.io/datatypes"
)

// OrderStatus tracks where an order sits in the processing pipeline.
// The intake wizard position is tracked separately by OrderStep.
type OrderStatus string

const (
	OrderPending           OrderStatus = "PENDING"
	OrderRequested         OrderStatus = "REQUESTED"
	OrderLogisticRequested OrderStatus = "LOGISTIC_REQUESTED"
	OrderSent              OrderStatus = "SENT"
	OrderReceived          OrderStatus = "RECEIVED"
	OrderProcessing        OrderStatus = "PROCESSING"
	OrderReported          OrderStatus = "REPORTED"
	OrderReportDownloaded  OrderStatus = "REPORT_DOWNLOADED"
)

// OrderStep is the intake wizard position. Steps advance forward only,
// except explicit navigation back to an earlier, already-valid step.
type OrderStep string

const (
	StepTestMethod     OrderStep = "TEST_METHOD"
	StepPatientDetails OrderStep = "PATIENT_DETAILS"
	StepSampleDetails  OrderStep = "SAMPLE_DETAILS"
	StepConsentForm    OrderStep = "CONSENT_FORM"
	StepFinalize       OrderStep = "FINALIZE"
)

// OrderMaterialStatus tracks a container bulk request.
type OrderMaterialStatus string

const (
	OrderMaterialOrdered OrderMaterialStatus = "ORDERED"
	OrderMaterialSent    OrderMaterialStatus = "SENT"
)

// CollectRequestStatus tracks a logistics pickup request.
type CollectRequestStatus string

const (
	CollectRequestPending    CollectRequestStatus = "PENDING"
	CollectRequestDispatched CollectRequestStatus = "DISPATCHED"
)

// User is a referrer (physician or lab partner) placing orders.
type User struct {
	ID          string                      `gorm:"column:user_id;primaryKey;type:varchar(50)"`
	Email       string                      `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	ReferrerID  *string                     `gorm:"column:referrer_id;type:varchar(50)"`
	Roles       datatypes.JSONSlice[string] `gorm:"column:roles"`
	Permissions datatypes.JSONSlice[string] `gorm:"column:permissions"`
	CreatedAt   time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

// Patient holds the demographics attached to an order.
type Patient struct {
	ID          string         `gorm:"column:patient_id;primaryKey;type:varchar(50)"`
	UserID      string         `gorm:"column:user_id;type:varchar(50);not null"`
	FirstName   string         `gorm:"column:first_name;type:varchar(100);not null"`
	LastName    string         `gorm:"column:last_name;type:varchar(100);not null"`
	DateOfBirth *time.Time     `gorm:"column:date_of_birth;type:date"`
	Details     datatypes.JSON `gorm:"column:details"`
}

// SampleType describes a specimen kind (blood, saliva, ...). ServerID is
// the LIS-side mapping; a type without one cannot be ordered remotely.
type SampleType struct {
	ID        string `gorm:"column:sample_type_id;primaryKey;type:varchar(50)"`
	Name      string `gorm:"column:name;type:varchar(100);not null"`
	Orderable bool   `gorm:"column:orderable;default:true"`
	ServerID  *int64 `gorm:"column:server_id"`
}

// Test is a genetic test offered by the lab.
type Test struct {
	ID          string       `gorm:"column:test_id;primaryKey;type:varchar(50)"`
	Name        string       `gorm:"column:name;type:varchar(150);not null"`
	SampleTypes []SampleType `gorm:"many2many:test_sample_types"`
}

// Order is a patient test request. ServerID is assigned by the LIS once
// the order is accepted remotely and is written at most once.
type Order struct {
	ID             string         `gorm:"column:order_id;primaryKey;type:varchar(50)"`
	UserID         string         `gorm:"column:user_id;type:varchar(50);not null"`
	PatientID      *string        `gorm:"column:patient_id;type:varchar(50)"`
	Status         OrderStatus    `gorm:"column:status;type:varchar(30);not null"`
	Step           OrderStep      `gorm:"column:step;type:varchar(30);not null"`
	ServerID       *int64         `gorm:"column:server_id;uniqueIndex"`
	ConsentAnswers datatypes.JSON `gorm:"column:consent_answers"`
	SentAt         *time.Time     `gorm:"column:sent_at"`
	ReceivedAt     *time.Time     `gorm:"column:received_at"`
	ReportedAt     *time.Time     `gorm:"column:reported_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`

	// Relationships
	User    *User       `gorm:"foreignKey:UserID"`
	Patient *Patient    `gorm:"foreignKey:PatientID"`
	Tests   []Test      `gorm:"many2many:order_tests"`
	Samples []Sample    `gorm:"foreignKey:OrderID"`
	Files   []OrderFile `gorm:"foreignKey:OrderID"`
}

// Sample is a specimen collected for an order. MaterialID is set once the
// sample is bound to a physical container by barcode scan.
type Sample struct {
	ID              string     `gorm:"column:sample_id;primaryKey;type:varchar(50)"`
	OrderID         string     `gorm:"column:order_id;type:varchar(50);not null"`
	SampleTypeID    string     `gorm:"column:sample_type_id;type:varchar(50);not null"`
	MaterialID      *string    `gorm:"column:material_id;type:varchar(50)"`
	CollectedAt     *time.Time `gorm:"column:collected_at"`
	ExternalBarcode *string    `gorm:"column:external_barcode;type:varchar(100)"`

	SampleType *SampleType `gorm:"foreignKey:SampleTypeID"`
}

// OrderFile is a stored attachment (consent scans, referral letters).
// Path is resolved through the file store, not the local filesystem.
type OrderFile struct {
	ID      string `gorm:"column:file_id;primaryKey;type:varchar(50)"`
	OrderID string `gorm:"column:order_id;type:varchar(50);not null"`
	Name    string `gorm:"column:name;type:varchar(255);not null"`
	Path    string `gorm:"column:path;type:varchar(500);not null"`
}

// OrderMaterial is a bulk request for sample containers. Materials are
// generated from it exactly once; ServerID is written at most once after
// a successful LIS sync.
type OrderMaterial struct {
	ID           string              `gorm:"column:order_material_id;primaryKey;type:varchar(50)"`
	UserID       string              `gorm:"column:user_id;type:varchar(50);not null"`
	SampleTypeID string              `gorm:"column:sample_type_id;type:varchar(50);not null"`
	Amount       int                 `gorm:"column:amount;not null"`
	Status       OrderMaterialStatus `gorm:"column:status;type:varchar(20);default:'ORDERED'"`
	ServerID     *int64              `gorm:"column:server_id"`
	CreatedAt    time.Time           `gorm:"column:created_at;autoCreateTime"`

	// Relationships
	User       *User       `gorm:"foreignKey:UserID"`
	SampleType *SampleType `gorm:"foreignKey:SampleTypeID"`
}

// Material is a single physical container. The barcode unique index is
// the source of truth for allocation correctness; SampleID carries its
// own unique index so a container binds to at most one sample.
type Material struct {
	ID              string    `gorm:"column:material_id;primaryKey;type:varchar(50)"`
	Barcode         string    `gorm:"column:barcode;type:varchar(100);uniqueIndex;not null"`
	ExpireDate      time.Time `gorm:"column:expire_date;type:date;not null"`
	SampleTypeID    string    `gorm:"column:sample_type_id;type:varchar(50);not null"`
	UserID          string    `gorm:"column:user_id;type:varchar(50);not null"`
	OrderMaterialID string    `gorm:"column:order_material_id;type:varchar(50);not null;index"`
	SampleID        *string   `gorm:"column:sample_id;type:varchar(50);uniqueIndex"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// CollectRequest groups orders for a pickup, synchronized to the LIS as a
// logistics request.
type CollectRequest struct {
	ID            string               `gorm:"column:collect_request_id;primaryKey;type:varchar(50)"`
	UserID        string               `gorm:"column:user_id;type:varchar(50);not null"`
	Status        CollectRequestStatus `gorm:"column:status;type:varchar(20);default:'PENDING'"`
	Details       datatypes.JSON       `gorm:"column:details"`
	PreferredDate *time.Time           `gorm:"column:preferred_date;type:date"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`

	// Relationships
	User   *User   `gorm:"foreignKey:UserID"`
	Orders []Order `gorm:"many2many:collect_request_orders"`
}

// OutboxStatus marks an outbox row as awaiting relay or done.
type OutboxStatus int

const (
	OutboxPending   OutboxStatus = 1
	OutboxCompleted OutboxStatus = 2
)

// Outbox carries dispatch events written in the same transaction as the
// state they describe, relayed to the broker by a separate worker.
type Outbox struct {
	ID        int64        `gorm:"column:id;primaryKey;autoIncrement"`
	Content   []byte       `gorm:"column:content;not null"`
	Status    OutboxStatus `gorm:"column:status;default:1;index"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// CachedToken is the cluster-shared token cache row. Value is AES-GCM
// ciphertext; a row past ExpiresAt counts as a miss.
type CachedToken struct {
	Name      string    `gorm:"column:name;primaryKey;type:varchar(100)"`
	Value     []byte    `gorm:"column:value;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

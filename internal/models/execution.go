package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TriggerKind distinguishes how a function run was scheduled.
type TriggerKind string

const (
	TriggerManual     TriggerKind = "manual"
	TriggerDependency TriggerKind = "dependency"
)

// Execution is one manual-trigger event. Immutable once accepted.
type Execution struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name              string    `gorm:"index" json:"name"`
	FunctionVersionID uuid.UUID `gorm:"type:uuid;index;not null" json:"function_version_id"`
	TriggeredBy       string    `gorm:"not null" json:"triggered_by"`
	TriggeredOn       time.Time `gorm:"not null" json:"triggered_on"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

type Executions []*Execution

// Transaction is a commit-atomic grouping of function runs within an
// execution, not a database transaction. The key is derived by the
// configured grouping policy.
type Transaction struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID uuid.UUID `gorm:"type:uuid;index;not null" json:"execution_id"`
	Key         string    `gorm:"index;not null" json:"key"`
	Policy      string    `gorm:"not null" json:"policy"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

type Transactions []*Transaction

// FunctionRun is one scheduled invocation of a function version. Its
// status is mutated only through validated transitions; runs are never
// deleted, only superseded by new runs on reschedule.
type FunctionRun struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	FunctionVersionID uuid.UUID  `gorm:"type:uuid;index;not null" json:"function_version_id"`
	ExecutionID       uuid.UUID  `gorm:"type:uuid;index;not null" json:"execution_id"`
	TransactionID     uuid.UUID  `gorm:"type:uuid;index;not null" json:"transaction_id"`
	Trigger           string     `gorm:"type:text;not null" json:"trigger"`
	Status            string     `gorm:"type:text;index;not null" json:"status"`
	ScheduledOn       time.Time  `gorm:"not null" json:"scheduled_on"`
	StartedOn         *time.Time `json:"started_on,omitempty"`
	EndedOn           *time.Time `json:"ended_on,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"not null" json:"updated_at"`
}

type FunctionRuns []*FunctionRun

// TableDataVersion is the concrete data artifact produced by one
// function run for one table version. Created as a placeholder at plan
// time; the worker-completion callback fills in the data facts once.
type TableDataVersion struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TableID        uuid.UUID      `gorm:"type:uuid;index;not null" json:"table_id"`
	TableVersionID uuid.UUID      `gorm:"type:uuid;index;not null" json:"table_version_id"`
	FunctionRunID  uuid.UUID      `gorm:"type:uuid;index;not null" json:"function_run_id"`
	ExecutionID    uuid.UUID      `gorm:"type:uuid;index;not null" json:"execution_id"`
	TransactionID  uuid.UUID      `gorm:"type:uuid;index;not null" json:"transaction_id"`
	HasData        *bool          `json:"has_data,omitempty"`
	Partitioned    bool           `gorm:"not null;default:false" json:"partitioned"`
	Partitions     datatypes.JSON `gorm:"type:json" json:"partitions,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

type TableDataVersions []*TableDataVersion

// FunctionRequirement records that a function run depends on a
// specific table data version at a dependency position and
// version-within-position index. Rows whose TableDataVersionID is nil
// document a reference that resolved to nothing; they never block
// dispatch.
type FunctionRequirement struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	FunctionRunID         uuid.UUID  `gorm:"type:uuid;index;not null" json:"function_run_id"`
	TableID               uuid.UUID  `gorm:"type:uuid;index;not null" json:"table_id"`
	Position              int        `gorm:"not null" json:"position"`
	VersionPos            int        `gorm:"not null" json:"version_pos"`
	RequiredFunctionRunID *uuid.UUID `gorm:"type:uuid;index" json:"required_function_run_id,omitempty"`
	TableDataVersionID    *uuid.UUID `gorm:"type:uuid;index" json:"table_data_version_id,omitempty"`
	Optional              bool       `gorm:"not null;default:false" json:"optional"`
	CreatedAt             time.Time  `gorm:"not null" json:"created_at"`
}

type FunctionRequirements []*FunctionRequirement

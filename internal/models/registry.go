package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Collection groups functions and tables under one namespace.
type Collection struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string            `gorm:"uniqueIndex;not null" json:"name"`
	Labels      datatypes.JSONMap `gorm:"type:json" json:"labels,omitempty"`
	Annotations datatypes.JSONMap `gorm:"type:json" json:"annotations,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null" json:"updated_at"`
}

type Collections []*Collection

// Function is a registered data function. Its behavior lives in
// immutable FunctionVersion rows; the Function row only anchors the
// name within a collection.
type Function struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CollectionID uuid.UUID `gorm:"type:uuid;index;not null" json:"collection_id"`
	Name         string    `gorm:"index;not null" json:"name"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

type Functions []*Function

// FunctionVersion is one immutable version of a registered function.
type FunctionVersion struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FunctionID   uuid.UUID `gorm:"type:uuid;index;not null" json:"function_id"`
	CollectionID uuid.UUID `gorm:"type:uuid;index;not null" json:"collection_id"`
	Name         string    `gorm:"index;not null" json:"name"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

type FunctionVersions []*FunctionVersion

// Table is a registered table. Each registration of its producing
// function creates a new immutable TableVersion.
type Table struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CollectionID uuid.UUID `gorm:"type:uuid;index;not null" json:"collection_id"`
	Name         string    `gorm:"index;not null" json:"name"`
	System       bool      `gorm:"not null;default:false" json:"system"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

type Tables []*Table

// TableVersion is one immutable version of a table, bound to the
// function version that produces it and the output position it
// occupies in that function's signature.
type TableVersion struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TableID           uuid.UUID `gorm:"type:uuid;index;not null" json:"table_id"`
	FunctionVersionID uuid.UUID `gorm:"type:uuid;index;not null" json:"function_version_id"`
	Name              string    `gorm:"index;not null" json:"name"`
	System            bool      `gorm:"not null;default:false" json:"system"`
	Position          int       `gorm:"not null" json:"position"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

type TableVersions []*TableVersion

// FunctionDependency records that a function version consumes a table
// at a dependency position, with a relative version reference kept in
// its textual form ("HEAD", "HEAD^", "HEAD~2", fixed id list).
type FunctionDependency struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FunctionVersionID uuid.UUID `gorm:"type:uuid;index;not null" json:"function_version_id"`
	TableID           uuid.UUID `gorm:"type:uuid;index;not null" json:"table_id"`
	TableRef          string    `gorm:"not null" json:"table_ref"`
	Position          int       `gorm:"not null" json:"position"`
	SelfDependency    bool      `gorm:"not null;default:false" json:"self_dependency"`
	Optional          bool      `gorm:"not null;default:false" json:"optional"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

type FunctionDependencies []*FunctionDependency

// FunctionTrigger records that producing new data for a table starts
// the referenced function version.
type FunctionTrigger struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FunctionVersionID uuid.UUID `gorm:"type:uuid;index;not null" json:"function_version_id"`
	TableID           uuid.UUID `gorm:"type:uuid;index;not null" json:"table_id"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

type FunctionTriggers []*FunctionTrigger

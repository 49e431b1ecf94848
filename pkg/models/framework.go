package models

import (
	"time"

	"github.com/google/uuid"
)

// Framework is a versioned catalog of controls grouped into categories
// (e.g. a named regulatory or standards document). Reference data shared
// by all organizations.
type Framework struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Category groups controls within a framework. A category may have a parent,
// giving a two-level hierarchy. Used purely as an aggregation key.
type Category struct {
	ID          uuid.UUID  `json:"id"`
	FrameworkID uuid.UUID  `json:"framework_id"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	SortOrder   int        `json:"sort_order"`
}

// Control is a single, individually-numbered compliance requirement within a
// framework. Immutable reference data for the lifetime of an analysis.
type Control struct {
	ID          uuid.UUID `json:"id"`
	FrameworkID uuid.UUID `json:"framework_id"`
	CategoryID  uuid.UUID `json:"category_id"`
	Code        string    `json:"code"` // e.g. "AC.L2-3.1.1"
	Title       string    `json:"title"`
	Description string    `json:"description"`
	SortOrder   int       `json:"sort_order"`
}

// ControlWithCategory is a control annotated with its category, as loaded
// for aggregation and classification.
type ControlWithCategory struct {
	Control
	CategoryCode string `json:"category_code"`
	CategoryName string `json:"category_name"`
}

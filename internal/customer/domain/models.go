package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Customer struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index" json:"organization_id"`
	Environment string       `gorm:"type:text;not null" json:"environment"`
	ExternalID  string       `gorm:"type:text;not null" json:"external_id"`
	Name        string       `gorm:"type:text" json:"name"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

// Entity is a sub-resource of a customer (a seat, a workspace) that can own its
// own entitlements or a breakdown of a shared one.
type Entity struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null" json:"organization_id"`
	Environment string       `gorm:"type:text;not null" json:"environment"`
	CustomerID  snowflake.ID `gorm:"not null;index" json:"customer_id"`
	ExternalID  string       `gorm:"type:text;not null" json:"external_id"`
	FeatureCode string       `gorm:"type:text" json:"feature_code,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Entity) TableName() string { return "customer_entities" }

// ResolvedCustomer is what the balance engine needs before it can warm a cache record.
type ResolvedCustomer struct {
	InternalCustomerID snowflake.ID
	ExternalID         string
	EntityID           *snowflake.ID
	Features           []string
}

package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	InsertEntity(ctx context.Context, db *gorm.DB, entity *Entity) error
	FindByID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, id snowflake.ID) (*Customer, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, externalID string) (*Customer, error)
	FindEntity(ctx context.Context, db *gorm.DB, customerID snowflake.ID, externalID string) (*Entity, error)
	ListFeatureCodes(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]string, error)
}

// Resolver maps caller-facing customer/entity ids onto internal ids.
type Resolver interface {
	Resolve(ctx context.Context, customerID string, entityID *string) (ResolvedCustomer, error)
	Forget(ctx context.Context, customerID string)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrEntityNotFound      = errors.New("entity_not_found")
)

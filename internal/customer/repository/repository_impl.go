package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balanced/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customers (id, org_id, environment, external_id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		customer.ID,
		customer.OrgID,
		customer.Environment,
		customer.ExternalID,
		customer.Name,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
}

func (r *repo) InsertEntity(ctx context.Context, db *gorm.DB, entity *domain.Entity) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customer_entities (id, org_id, environment, customer_id, external_id, feature_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entity.ID,
		entity.OrgID,
		entity.Environment,
		entity.CustomerID,
		entity.ExternalID,
		entity.FeatureCode,
		entity.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, id snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, environment, external_id, name, created_at, updated_at
		 FROM customers WHERE org_id = ? AND environment = ? AND id = ?`,
		orgID,
		env,
		id,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, externalID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, environment, external_id, name, created_at, updated_at
		 FROM customers WHERE org_id = ? AND environment = ? AND external_id = ?`,
		orgID,
		env,
		externalID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) FindEntity(ctx context.Context, db *gorm.DB, customerID snowflake.ID, externalID string) (*domain.Entity, error) {
	var entity domain.Entity
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, environment, customer_id, external_id, feature_code, deleted_at, created_at
		 FROM customer_entities
		 WHERE customer_id = ? AND external_id = ? AND deleted_at IS NULL`,
		customerID,
		externalID,
	).Scan(&entity).Error
	if err != nil {
		return nil, err
	}
	if entity.ID == 0 {
		return nil, nil
	}
	return &entity, nil
}

func (r *repo) ListFeatureCodes(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]string, error) {
	var codes []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT f.code
		 FROM customer_entitlements ce
		 JOIN features f ON f.id = ce.feature_id
		 WHERE ce.customer_id = ? AND ce.retired_at IS NULL
		 ORDER BY f.code`,
		customerID,
	).Scan(&codes).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}

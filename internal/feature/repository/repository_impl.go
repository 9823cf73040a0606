package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balanced/internal/feature/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Create validates a credit system against the metered features it maps
// before inserting it.
func (r *repo) Create(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	if err := r.validate(ctx, db, feature); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO features (
			id, org_id, environment, code, name, feature_type, credit_schema, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feature.ID,
		feature.OrgID,
		feature.Environment,
		feature.Code,
		feature.Name,
		feature.Type,
		feature.CreditSchema,
		feature.Active,
		feature.CreatedAt,
		feature.UpdatedAt,
	).Error
}

func (r *repo) validate(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	if feature.Type != domain.FeatureTypeCreditSystem {
		return domain.ValidateCreditSchema(*feature, nil)
	}
	items, err := feature.Schema()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCreditSchema, err)
	}
	codes := make([]string, 0, len(items))
	for _, item := range items {
		codes = append(codes, item.MeteredFeatureCode)
	}
	targets, err := r.ListByCodes(ctx, db, feature.OrgID, feature.Environment, codes)
	if err != nil {
		return err
	}
	byCode := make(map[string]*domain.Feature, len(targets))
	for i := range targets {
		byCode[targets[i].Code] = &targets[i]
	}
	return domain.ValidateCreditSchema(*feature, func(code string) (*domain.Feature, bool) {
		f, ok := byCode[code]
		return f, ok
	})
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, code string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, environment, code, name, feature_type, credit_schema, active, created_at, updated_at
		 FROM features WHERE org_id = ? AND environment = ? AND code = ? AND active = ?`,
		orgID,
		env,
		code,
		true,
	).Scan(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == 0 {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) ListByCodes(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, codes []string) ([]domain.Feature, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	var items []domain.Feature
	err := db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("org_id = ? AND environment = ? AND code IN ?", orgID, env, codes).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListCreditSystems(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string) ([]domain.Feature, error) {
	var items []domain.Feature
	err := db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("org_id = ? AND environment = ? AND feature_type = ? AND active = ?", orgID, env, domain.FeatureTypeCreditSystem, true).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

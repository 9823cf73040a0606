package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, code string) (*Feature, error)
	ListByCodes(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, codes []string) ([]Feature, error)
	ListCreditSystems(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string) ([]Feature, error)
}

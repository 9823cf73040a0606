package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/feature/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const orgID = snowflake.ID(1)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Feature{}))
	return db
}

func newFeature(id int64, code string, typ domain.FeatureType) *domain.Feature {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.Feature{
		ID:          snowflake.ID(id),
		OrgID:       orgID,
		Environment: "live",
		Code:        code,
		Name:        code,
		Type:        typ,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func withSchema(t *testing.T, f *domain.Feature, items ...domain.CreditSchemaItem) *domain.Feature {
	t.Helper()
	raw, err := domain.EncodeSchema(items)
	require.NoError(t, err)
	f.CreditSchema = raw
	return f
}

func TestCreateCreditSystem(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	r := Provide()

	require.NoError(t, r.Create(ctx, db, newFeature(10, "api_calls", domain.FeatureTypeMetered)))
	credits := withSchema(t, newFeature(11, "credits", domain.FeatureTypeCreditSystem),
		domain.CreditSchemaItem{MeteredFeatureCode: "api_calls", CreditCost: decimal.NewFromInt(2)})
	require.NoError(t, r.Create(ctx, db, credits))

	found, err := r.FindByCode(ctx, db, orgID, "live", "credits")
	require.NoError(t, err)
	require.NotNil(t, found)
	cost, ok := found.CostFor("api_calls")
	assert.True(t, ok)
	assert.True(t, cost.Equal(decimal.NewFromInt(2)))

	systems, err := r.ListCreditSystems(ctx, db, orgID, "live")
	require.NoError(t, err)
	require.Len(t, systems, 1)
	assert.Equal(t, "credits", systems[0].Code)
}

func TestCreateRejectsUnknownOrNonMeteredTargets(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	r := Provide()

	unknown := withSchema(t, newFeature(11, "credits", domain.FeatureTypeCreditSystem),
		domain.CreditSchemaItem{MeteredFeatureCode: "api_calls", CreditCost: decimal.NewFromInt(1)})
	assert.ErrorIs(t, r.Create(ctx, db, unknown), domain.ErrInvalidCreditSchema)

	require.NoError(t, r.Create(ctx, db, newFeature(12, "sso", domain.FeatureTypeBoolean)))
	boolean := withSchema(t, newFeature(13, "credits", domain.FeatureTypeCreditSystem),
		domain.CreditSchemaItem{MeteredFeatureCode: "sso", CreditCost: decimal.NewFromInt(1)})
	assert.ErrorIs(t, r.Create(ctx, db, boolean), domain.ErrInvalidCreditSchema)

	found, err := r.FindByCode(ctx, db, orgID, "live", "credits")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByCodeMissing(t *testing.T) {
	db := openDB(t)
	found, err := Provide().FindByCode(context.Background(), db, orgID, "live", "nope")
	require.NoError(t, err)
	assert.Nil(t, found)
}

// Package balancetest seeds an in-memory database with customers, features
// and entitlements for balance engine tests.
package balancetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	customerdomain "github.com/smallbiznis/balanced/internal/customer/domain"
	customerrepo "github.com/smallbiznis/balanced/internal/customer/repository"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/balanced/internal/entitlement/repository"
	featuredomain "github.com/smallbiznis/balanced/internal/feature/domain"
	featurerepo "github.com/smallbiznis/balanced/internal/feature/repository"
	"github.com/smallbiznis/balanced/internal/migration"
	"github.com/smallbiznis/balanced/internal/orgcontext"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	OrgID       = snowflake.ID(1)
	Environment = "live"
)

// T0 is whole seconds on purpose, sqlite compares timestamps as text.
var T0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.Apply(db))
	return db
}

type Fixture struct {
	t        *testing.T
	DB       *gorm.DB
	Node     *snowflake.Node
	Store    entdomain.Store
	Features featuredomain.Repository
	Customer customerdomain.Customer
	features map[string]featuredomain.Feature
}

// New opens a database with one customer, external id cus_1.
func New(t *testing.T) *Fixture {
	t.Helper()
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	f := &Fixture{
		t:        t,
		DB:       OpenDB(t),
		Node:     node,
		Store:    entrepo.Provide(),
		Features: featurerepo.Provide(),
		features: map[string]featuredomain.Feature{},
	}
	f.Customer = customerdomain.Customer{
		ID:          node.Generate(),
		OrgID:       OrgID,
		Environment: Environment,
		ExternalID:  "cus_1",
		Name:        "Acme",
		CreatedAt:   T0,
		UpdatedAt:   T0,
	}
	require.NoError(t, customerrepo.Provide().Insert(context.Background(), f.DB, &f.Customer))
	return f
}

// Context carries the fixture's organization and environment.
func (f *Fixture) Context() context.Context {
	return orgcontext.With(context.Background(), OrgID, Environment)
}

func (f *Fixture) Key() domain.CustomerKey {
	return domain.CustomerKey{OrgID: OrgID, Environment: Environment, CustomerID: f.Customer.ID}
}

func (f *Fixture) Entity(externalID string) customerdomain.Entity {
	f.t.Helper()
	e := customerdomain.Entity{
		ID:          f.Node.Generate(),
		OrgID:       OrgID,
		Environment: Environment,
		CustomerID:  f.Customer.ID,
		ExternalID:  externalID,
		CreatedAt:   T0,
	}
	require.NoError(f.t, customerrepo.Provide().InsertEntity(context.Background(), f.DB, &e))
	return e
}

// Feature creates a metered feature, or a credit system when schema is given.
func (f *Fixture) Feature(code string, schema ...featuredomain.CreditSchemaItem) featuredomain.Feature {
	f.t.Helper()
	if existing, ok := f.features[code]; ok {
		return existing
	}
	feature := featuredomain.Feature{
		ID:          f.Node.Generate(),
		OrgID:       OrgID,
		Environment: Environment,
		Code:        code,
		Name:        code,
		Type:        featuredomain.FeatureTypeMetered,
		Active:      true,
		CreatedAt:   T0,
		UpdatedAt:   T0,
	}
	if len(schema) > 0 {
		// the mapped metered features must exist first
		for _, item := range schema {
			f.Feature(item.MeteredFeatureCode)
		}
		raw, err := featuredomain.EncodeSchema(schema)
		require.NoError(f.t, err)
		feature.Type = featuredomain.FeatureTypeCreditSystem
		feature.CreditSchema = raw
	}
	require.NoError(f.t, f.Features.Create(context.Background(), f.DB, &feature))
	f.features[code] = feature
	return feature
}

// Entitlement fills in ids and defaults, then inserts the row with its
// breakdowns and rollovers.
func (f *Fixture) Entitlement(ent entdomain.Entitlement) entdomain.Entitlement {
	f.t.Helper()
	require.NotEmpty(f.t, ent.FeatureCode)

	if ent.ID == 0 {
		ent.ID = f.Node.Generate()
	}
	ent.OrgID = OrgID
	ent.Environment = Environment
	if ent.CustomerID == 0 {
		ent.CustomerID = f.Customer.ID
	}
	if ent.FeatureID == 0 {
		ent.FeatureID = f.Feature(ent.FeatureCode).ID
	}
	if ent.ResetInterval == "" {
		ent.ResetInterval = entdomain.IntervalMonth
	}
	if ent.IntervalCount == 0 {
		ent.IntervalCount = 1
	}
	if ent.RolloverDurationCount == 0 {
		ent.RolloverDurationCount = 1
	}
	if ent.Allowance.IsZero() {
		ent.Allowance = ent.GrantedBalance
	}
	ent.Usage = ent.GrantedBalance.Sub(ent.CurrentBalance)
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = T0.Add(-30 * 24 * time.Hour)
	}
	ent.UpdatedAt = ent.CreatedAt

	ctx := context.Background()
	require.NoError(f.t, f.Store.Insert(ctx, f.DB, &ent))
	for i := range ent.Breakdowns {
		bd := &ent.Breakdowns[i]
		if bd.ID == 0 {
			bd.ID = f.Node.Generate()
		}
		bd.EntitlementID = ent.ID
		if bd.Allowance.IsZero() {
			bd.Allowance = bd.GrantedBalance
		}
		bd.Usage = bd.GrantedBalance.Sub(bd.CurrentBalance)
		bd.UpdatedAt = ent.CreatedAt
		require.NoError(f.t, f.Store.InsertBreakdown(ctx, f.DB, bd))
	}
	for i := range ent.Rollovers {
		ro := &ent.Rollovers[i]
		if ro.ID == 0 {
			ro.ID = f.Node.Generate()
		}
		ro.EntitlementID = ent.ID
		if ro.CreatedAt.IsZero() {
			ro.CreatedAt = ent.CreatedAt
		}
		require.NoError(f.t, f.Store.InsertRollover(ctx, f.DB, ro))
	}
	return ent
}

// Load reads an entitlement back with its breakdowns and rollovers.
func (f *Fixture) Load(id snowflake.ID) entdomain.Entitlement {
	f.t.Helper()
	ent, err := f.Store.FindByID(context.Background(), f.DB, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, ent)
	return *ent
}

func Dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func NullDec(v string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(v), Valid: true}
}

func TimePtr(t time.Time) *time.Time { return &t }

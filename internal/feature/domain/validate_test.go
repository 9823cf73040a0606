package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func creditSystem(t *testing.T, code string, items ...CreditSchemaItem) Feature {
	t.Helper()
	raw, err := EncodeSchema(items)
	require.NoError(t, err)
	return Feature{Code: code, Type: FeatureTypeCreditSystem, CreditSchema: raw}
}

func TestValidateCreditSchemaAcceptsMeteredTargets(t *testing.T) {
	features := map[string]*Feature{
		"api_calls": {Code: "api_calls", Type: FeatureTypeMetered},
	}
	lookup := func(code string) (*Feature, bool) {
		f, ok := features[code]
		return f, ok
	}

	f := creditSystem(t, "credits", CreditSchemaItem{MeteredFeatureCode: "api_calls", CreditCost: decimal.NewFromFloat(0.5)})
	assert.NoError(t, ValidateCreditSchema(f, lookup))

	cost, ok := f.CostFor("api_calls")
	assert.True(t, ok)
	assert.True(t, cost.Equal(decimal.NewFromFloat(0.5)))
}

func TestValidateCreditSchemaRejectsChains(t *testing.T) {
	features := map[string]*Feature{
		"other_credits": {Code: "other_credits", Type: FeatureTypeCreditSystem},
	}
	lookup := func(code string) (*Feature, bool) {
		f, ok := features[code]
		return f, ok
	}

	chained := creditSystem(t, "credits", CreditSchemaItem{MeteredFeatureCode: "other_credits", CreditCost: decimal.NewFromInt(1)})
	assert.ErrorIs(t, ValidateCreditSchema(chained, lookup), ErrInvalidCreditSchema)

	self := creditSystem(t, "credits", CreditSchemaItem{MeteredFeatureCode: "credits", CreditCost: decimal.NewFromInt(1)})
	assert.ErrorIs(t, ValidateCreditSchema(self, nil), ErrInvalidCreditSchema)

	free := creditSystem(t, "credits", CreditSchemaItem{MeteredFeatureCode: "api_calls", CreditCost: decimal.Zero})
	assert.ErrorIs(t, ValidateCreditSchema(free, nil), ErrInvalidCreditSchema)
}

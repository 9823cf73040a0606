package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

// CreditSchemaItem converts one unit of a metered feature into credits.
type CreditSchemaItem struct {
	MeteredFeatureCode string          `json:"metered_feature_code"`
	CreditCost         decimal.Decimal `json:"credit_cost"`
}

type Feature struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"column:org_id;not null;index:ux_features_org_env_code,priority:1"`
	Environment string       `gorm:"type:text;not null;index:ux_features_org_env_code,priority:2"`
	Code        string       `gorm:"type:text;not null;index:ux_features_org_env_code,priority:3"`

	Name         string         `gorm:"type:text;not null"`
	Type         FeatureType    `gorm:"column:feature_type;type:text;not null"`
	CreditSchema datatypes.JSON `gorm:"column:credit_schema;type:jsonb"`
	Active       bool           `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "features" }

// Schema decodes the credit schema. Non credit-system features return nil.
func (f Feature) Schema() ([]CreditSchemaItem, error) {
	if f.Type != FeatureTypeCreditSystem || len(f.CreditSchema) == 0 {
		return nil, nil
	}
	var items []CreditSchemaItem
	if err := json.Unmarshal(f.CreditSchema, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// CostFor returns the credit cost of one unit of code, if this credit system covers it.
func (f Feature) CostFor(code string) (decimal.Decimal, bool) {
	items, err := f.Schema()
	if err != nil {
		return decimal.Zero, false
	}
	for _, item := range items {
		if item.MeteredFeatureCode == code {
			return item.CreditCost, true
		}
	}
	return decimal.Zero, false
}

func EncodeSchema(items []CreditSchemaItem) (datatypes.JSON, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

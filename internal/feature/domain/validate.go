package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCode         = errors.New("invalid_feature_code")
	ErrInvalidType         = errors.New("invalid_feature_type")
	ErrInvalidCreditSchema = errors.New("invalid_credit_schema")
)

// ValidateCreditSchema checks that a credit system only maps metered features onto
// itself. Chains are one level deep, so the lookup must never resolve to another
// credit system. lookup returns the feature for a code in the same org and env.
func ValidateCreditSchema(f Feature, lookup func(code string) (*Feature, bool)) error {
	if strings.TrimSpace(f.Code) == "" {
		return ErrInvalidCode
	}
	switch f.Type {
	case FeatureTypeBoolean, FeatureTypeMetered:
		if len(f.CreditSchema) > 0 {
			return fmt.Errorf("%w: only credit systems carry a schema", ErrInvalidCreditSchema)
		}
		return nil
	case FeatureTypeCreditSystem:
	default:
		return ErrInvalidType
	}

	items, err := f.Schema()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCreditSchema, err)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: empty schema", ErrInvalidCreditSchema)
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		code := strings.TrimSpace(item.MeteredFeatureCode)
		if code == "" || code == f.Code {
			return fmt.Errorf("%w: bad metered feature %q", ErrInvalidCreditSchema, code)
		}
		if _, dup := seen[code]; dup {
			return fmt.Errorf("%w: duplicate metered feature %q", ErrInvalidCreditSchema, code)
		}
		seen[code] = struct{}{}
		if !item.CreditCost.IsPositive() {
			return fmt.Errorf("%w: credit cost for %q must be positive", ErrInvalidCreditSchema, code)
		}
		if lookup == nil {
			continue
		}
		target, ok := lookup(code)
		if !ok {
			return fmt.Errorf("%w: unknown metered feature %q", ErrInvalidCreditSchema, code)
		}
		if target.Type != FeatureTypeMetered {
			return fmt.Errorf("%w: %q is not a metered feature", ErrInvalidCreditSchema, code)
		}
	}
	return nil
}

package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidBalance      = errors.New("invalid_balance")
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrNegativeUsage       = errors.New("negative_usage_not_allowed")

	// ErrCacheFault marks a failed or timed out cache call. It is what routes
	// a request onto the durable fallback path.
	ErrCacheFault = errors.New("cache_fault")
	ErrCacheMiss  = errors.New("cache_miss")
	ErrStaleWrite = errors.New("stale_write")

	ErrResetInProgress = errors.New("reset_in_progress")
	ErrInvalidSignal   = errors.New("invalid_reset_signal")
)

package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

// EnvContextKey is the request context key for the active environment (live, sandbox).
type EnvContextKey struct{}

const DefaultEnv = "live"

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// WithEnv stores the environment in the context.
func WithEnv(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, EnvContextKey{}, strings.TrimSpace(env))
}

// With stores both org and environment.
func With(ctx context.Context, orgID snowflake.ID, env string) context.Context {
	return WithEnv(WithOrgID(ctx, orgID.Int64()), env)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	switch typed := ctx.Value(OrgContextKey{}).(type) {
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// EnvFromContext returns the environment, defaulting to live.
func EnvFromContext(ctx context.Context) string {
	if ctx == nil {
		return DefaultEnv
	}
	if env, ok := ctx.Value(EnvContextKey{}).(string); ok && env != "" {
		return env
	}
	return DefaultEnv
}

package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balanced/internal/cache"
	"github.com/smallbiznis/balanced/internal/customer/domain"
	"github.com/smallbiznis/balanced/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Cache cache.ResolverCache `optional:"true"`
}

type Resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	cache cache.ResolverCache
}

func NewResolver(p Params) domain.Resolver {
	c := p.Cache
	if c == nil {
		c = cache.NewResolverCache()
	}
	return &Resolver{
		db:    p.DB,
		log:   p.Log.Named("customer.resolver"),
		repo:  p.Repo,
		cache: c,
	}
}

// Resolve accepts either the external id or the internal snowflake id of a customer.
func (r *Resolver) Resolve(ctx context.Context, customerID string, entityID *string) (domain.ResolvedCustomer, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ResolvedCustomer{}, domain.ErrInvalidOrganization
	}
	env := orgcontext.EnvFromContext(ctx)

	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.ResolvedCustomer{}, domain.ErrInvalidCustomer
	}
	entityKey := ""
	if entityID != nil {
		entityKey = strings.TrimSpace(*entityID)
	}

	if cached, ok := r.cache.Get(orgID.String(), env, customerID, entityKey); ok {
		return cached, nil
	}

	customer, err := r.findCustomer(ctx, orgID, env, customerID)
	if err != nil {
		return domain.ResolvedCustomer{}, err
	}
	if customer == nil {
		return domain.ResolvedCustomer{}, domain.ErrCustomerNotFound
	}

	resolved := domain.ResolvedCustomer{
		InternalCustomerID: customer.ID,
		ExternalID:         customer.ExternalID,
	}

	if entityKey != "" {
		entity, err := r.repo.FindEntity(ctx, r.db, customer.ID, entityKey)
		if err != nil {
			return domain.ResolvedCustomer{}, err
		}
		if entity == nil {
			return domain.ResolvedCustomer{}, domain.ErrEntityNotFound
		}
		id := entity.ID
		resolved.EntityID = &id
	}

	codes, err := r.repo.ListFeatureCodes(ctx, r.db, customer.ID)
	if err != nil {
		return domain.ResolvedCustomer{}, err
	}
	resolved.Features = codes

	r.cache.Set(orgID.String(), env, customerID, entityKey, resolved)
	return resolved, nil
}

func (r *Resolver) Forget(ctx context.Context, customerID string) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return
	}
	r.cache.Forget(orgID.String(), orgcontext.EnvFromContext(ctx), strings.TrimSpace(customerID))
}

func (r *Resolver) findCustomer(ctx context.Context, orgID snowflake.ID, env, customerID string) (*domain.Customer, error) {
	customer, err := r.repo.FindByExternalID(ctx, r.db, orgID, env, customerID)
	if err != nil || customer != nil {
		return customer, err
	}
	internalID, parseErr := snowflake.ParseString(customerID)
	if parseErr != nil {
		return nil, nil
	}
	return r.repo.FindByID(ctx, r.db, orgID, env, internalID)
}

// Package syncqueue carries balance sync jobs from the batching manager to
// the workers that persist cached balances.
package syncqueue

import (
	"context"
	"errors"
	"sort"
	"time"
)

const JobName = "balance.sync"

// Payload names the buckets of one customer whose cached state must be
// persisted.
type Payload struct {
	OrgID          string    `json:"org_id"`
	Environment    string    `json:"environment"`
	CustomerID     string    `json:"customer_id"`
	EntitlementIDs []string  `json:"entitlement_ids"`
	Region         string    `json:"region,omitempty"`
	EmittedAt      time.Time `json:"emitted_at"`
}

type Job struct {
	Name     string
	DedupKey string
	GroupKey string
	Payload  Payload
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

type Handler interface {
	Handle(ctx context.Context, payload Payload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload Payload) error

func (f HandlerFunc) Handle(ctx context.Context, payload Payload) error {
	return f(ctx, payload)
}

var (
	ErrInvalidJob      = errors.New("invalid_sync_job")
	ErrBackendDisabled = errors.New("sync_backend_disabled")
)

func (j Job) Validate() error {
	if j.DedupKey == "" || j.GroupKey == "" {
		return ErrInvalidJob
	}
	if j.Payload.OrgID == "" || j.Payload.CustomerID == "" || len(j.Payload.EntitlementIDs) == 0 {
		return ErrInvalidJob
	}
	return nil
}

// MergeIDs unions two id sets, sorted for stable payloads.
func MergeIDs(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

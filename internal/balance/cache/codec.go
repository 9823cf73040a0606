package cache

import (
	"encoding/json"
	"strings"

	"github.com/smallbiznis/balanced/internal/balance/domain"
)

type meta struct {
	FetchedAt   int64               `json:"fetched_at"`
	Features    []string            `json:"features"`
	CreditLinks []domain.CreditLink `json:"credit_links"`
}

func encodeRecord(rec *domain.Record) ([]any, error) {
	m, err := json.Marshal(meta{
		FetchedAt:   rec.FetchedAt,
		Features:    rec.Features,
		CreditLinks: rec.CreditLinks,
	})
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, 2+2*len(rec.Buckets))
	out = append(out, metaField, string(m))
	for id, b := range rec.Buckets {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		out = append(out, bucketField+id, string(raw))
	}
	return out, nil
}

func decodeRecord(key domain.CustomerKey, fields map[string]string) (*domain.Record, error) {
	rawMeta, ok := fields[metaField]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	var m meta
	if err := json.Unmarshal([]byte(rawMeta), &m); err != nil {
		return nil, err
	}

	rec := &domain.Record{
		Key:         key,
		FetchedAt:   m.FetchedAt,
		Features:    m.Features,
		CreditLinks: m.CreditLinks,
		Buckets:     make(map[string]*domain.Bucket, len(fields)-1),
	}
	for field, raw := range fields {
		if !strings.HasPrefix(field, bucketField) {
			continue
		}
		var b domain.Bucket
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, err
		}
		rec.Buckets[strings.TrimPrefix(field, bucketField)] = &b
	}
	return rec, nil
}

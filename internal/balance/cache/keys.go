package cache

import (
	"github.com/smallbiznis/balanced/internal/balance/domain"
)

const (
	metaField   = "meta"
	bucketField = "ent:"
)

// All keys of one customer share a hash tag so they land on the same cluster
// slot and can be watched together.
func recordKey(key domain.CustomerKey) string {
	return "balance:{" + key.String() + "}"
}

func guardKey(key domain.CustomerKey) string {
	return recordKey(key) + ":guard"
}

func idempotencyKey(key domain.CustomerKey, idem string) string {
	if idem == "" {
		return ""
	}
	return recordKey(key) + ":idem:" + idem
}

package lookup

import "github.com/rehouzd/skiptrace/internal/model"

// HitBillingPolicy decides whether serving an already cached result costs
// the requesting user a credit.
type HitBillingPolicy int

const (
	// BillFirstAccess charges a user once per buyer for any result with
	// contacts, whether it came from the provider or from the cache.
	BillFirstAccess HitBillingPolicy = iota + 1
	// FreeCacheHits charges only the user whose request paid for the
	// provider call.
	FreeCacheHits
)

// HitBilling is the policy applied on cache hits.
const HitBilling = BillFirstAccess

// billable reports whether a successful lookup should debit a credit. Prior
// accesses are handled by the store; this only covers the result itself.
func billable(policy HitBillingPolicy, r *model.SharedLookupResult, wasCached bool) bool {
	if !r.Succeeded() || !r.HasContacts() {
		return false
	}
	if wasCached && policy == FreeCacheHits {
		return false
	}
	return true
}

package fetcher

import (
	lru "github.com/hashicorp/golang-lru"

	"go.sahl.health/claims/go/skerr"
)

// Registry remembers which facility a downloaded file belongs to so the acker
// can route SetTransactionDownloaded calls. It is bounded; under extreme churn
// the oldest mappings fall out and those files simply go unacknowledged.
type Registry struct {
	cache *lru.Cache
}

// NewRegistry returns a Registry holding at most size mappings.
func NewRegistry(size int) (*Registry, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Registry{cache: cache}, nil
}

// Remember records the fileID → facility mapping.
func (r *Registry) Remember(fileID, facilityCode string) {
	r.cache.Add(fileID, facilityCode)
}

// Lookup returns the facility for the given file, if still known.
func (r *Registry) Lookup(fileID string) (string, bool) {
	v, ok := r.cache.Get(fileID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget drops the mapping after a successful acknowledgement.
func (r *Registry) Forget(fileID string) {
	r.cache.Remove(fileID)
}

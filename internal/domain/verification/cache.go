package verification

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// ruleSet is the cached configuration of one (tenant, test code).
type ruleSet struct {
	settings *AutoVerificationSettings // nil when none are stored
	rules    []*VerificationRule
}

// ruleCache keeps rule sets for a TTL. Writes through SettingsService drop
// the affected entry.
type ruleCache struct {
	c *cache.Cache
}

// newRuleCache returns nil when ttl is not positive, which disables caching.
func newRuleCache(ttl time.Duration) *ruleCache {
	if ttl <= 0 {
		return nil
	}
	return &ruleCache{c: cache.New(ttl, 2*ttl)}
}

func cacheKey(tenantID, testCode string) string {
	return tenantID + "\x00" + testCode
}

func (rc *ruleCache) get(tenantID, testCode string) (ruleSet, bool) {
	if rc == nil {
		return ruleSet{}, false
	}
	v, ok := rc.c.Get(cacheKey(tenantID, testCode))
	if !ok {
		return ruleSet{}, false
	}
	return v.(ruleSet), true
}

func (rc *ruleCache) put(tenantID, testCode string, rs ruleSet) {
	if rc == nil {
		return
	}
	rc.c.SetDefault(cacheKey(tenantID, testCode), rs)
}

func (rc *ruleCache) invalidate(tenantID, testCode string) {
	if rc == nil {
		return
	}
	rc.c.Delete(cacheKey(tenantID, testCode))
}

func (rc *ruleCache) size() int {
	if rc == nil {
		return 0
	}
	return rc.c.ItemCount()
}

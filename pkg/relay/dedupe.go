package relay

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedupe remembers recently seen platform message ids so redelivered
// webhooks are not dispatched twice.
type Dedupe struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewDedupe keeps up to size ids for ttl each.
func NewDedupe(size int, ttl time.Duration) *Dedupe {
	return &Dedupe{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen records id and reports whether it was already present. Empty ids are
// never duplicates.
func (d *Dedupe) Seen(id string) bool {
	if d == nil || id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen.Contains(id) {
		return true
	}
	d.seen.Add(id, struct{}{})
	return false
}

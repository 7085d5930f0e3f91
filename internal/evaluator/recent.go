package evaluator

import (
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// DefaultRecentTTL is how long an attempted hop stays suppressed.
const DefaultRecentTTL = 20 * time.Second

// RecentSet remembers recently attempted hops so the evaluator does not keep
// firing the same failing trade. It is safe for concurrent use.
type RecentSet struct {
	seen map[domain.Hop]time.Time // hop -> last remembered
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewRecentSet creates a RecentSet whose entries expire after ttl.
func NewRecentSet(ttl time.Duration) *RecentSet {
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	return &RecentSet{
		seen: make(map[domain.Hop]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Remember records h as attempted now.
func (r *RecentSet) Remember(h domain.Hop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[h] = r.now()
}

// RememberAll records every hop of seq.
func (r *RecentSet) RememberAll(seq domain.Sequence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, h := range seq {
		r.seen[h] = now
	}
}

// Contains reports whether h was remembered within the TTL.
func (r *RecentSet) Contains(h domain.Hop) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked(h, r.now())
}

// ContainsAny reports whether any hop of seq is still remembered.
func (r *RecentSet) ContainsAny(seq domain.Sequence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, h := range seq {
		if r.liveLocked(h, now) {
			return true
		}
	}
	return false
}

func (r *RecentSet) liveLocked(h domain.Hop, now time.Time) bool {
	ts, ok := r.seen[h]
	if !ok {
		return false
	}
	if now.Sub(ts) >= r.ttl {
		delete(r.seen, h)
		return false
	}
	return true
}

// Cleanup removes expired entries and returns how many were dropped.
func (r *RecentSet) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for h, ts := range r.seen {
		if now.Sub(ts) >= r.ttl {
			delete(r.seen, h)
			n++
		}
	}
	return n
}

// Len is the number of entries, expired or not, currently held.
func (r *RecentSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

package scheduler

import (
	"sync"
	"time"
)

// leaseTable enforces at-most-one concurrent run per job ID. Leases expire
// so a worker crash never strands a job: once the TTL passes, the job is
// eligible for re-dequeue and the orchestrator's idempotence makes the
// re-run safe.
type leaseTable struct {
	mu     sync.Mutex
	ttl    time.Duration
	expiry map[string]time.Time
	now    func() time.Time
}

func newLeaseTable(ttl time.Duration) *leaseTable {
	return &leaseTable{
		ttl:    ttl,
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Acquire takes the lease for jobID if it is free or expired.
func (t *leaseTable) Acquire(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if deadline, held := t.expiry[jobID]; held && now.Before(deadline) {
		return false
	}
	t.expiry[jobID] = now.Add(t.ttl)
	return true
}

// Renew extends a held lease. The scheduler renews while a run is in
// flight so a healthy run never loses its lease mid-job.
func (t *leaseTable) Renew(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.expiry[jobID]; held {
		t.expiry[jobID] = t.now().Add(t.ttl)
	}
}

// Release frees the lease.
func (t *leaseTable) Release(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.expiry, jobID)
}

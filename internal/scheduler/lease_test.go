package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseAcquireRelease(t *testing.T) {
	leases := newLeaseTable(time.Minute)

	assert.True(t, leases.Acquire("job-1"))
	assert.False(t, leases.Acquire("job-1"), "held lease cannot be taken")
	assert.True(t, leases.Acquire("job-2"), "leases are per job")

	leases.Release("job-1")
	assert.True(t, leases.Acquire("job-1"), "released lease is free again")
}

func TestLeaseExpiry(t *testing.T) {
	now := time.Now()
	leases := newLeaseTable(time.Minute)
	leases.now = func() time.Time { return now }

	assert.True(t, leases.Acquire("job-1"))

	// A crashed worker never releases; the TTL frees the job.
	now = now.Add(2 * time.Minute)
	assert.True(t, leases.Acquire("job-1"), "expired lease is re-acquirable")
}

func TestLeaseRenew(t *testing.T) {
	now := time.Now()
	leases := newLeaseTable(time.Minute)
	leases.now = func() time.Time { return now }

	assert.True(t, leases.Acquire("job-1"))

	now = now.Add(45 * time.Second)
	leases.Renew("job-1")

	now = now.Add(45 * time.Second)
	assert.False(t, leases.Acquire("job-1"), "renewed lease is still held past the original TTL")

	leases.Renew("job-9") // renewing an unheld lease is a no-op
	assert.True(t, leases.Acquire("job-9"))
}

package lease

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
)

// leaseEntry is the affinity-cache-style record kept per reference,
// grounded on cluster/scheduler.go's affinityEntry{nodeID, expiresAt}.
type leaseEntry struct {
	lease meshrt.AddressableLease
}

// AddressableLeaser caches AddressableLease entries keyed by
// AddressableReference (§4.4). Cache misses and near-expiry renewals both
// go through a singleflight group so that concurrent callers referencing
// the same actor collapse into one outbound lease RPC.
type AddressableLeaser struct {
	client meshrt.MeshClient
	clock  clock.Clock
	hint   HintCache

	mu      sync.RWMutex
	entries map[meshrt.AddressableReference]leaseEntry
	group   singleflight.Group
}

// HintCache is an optional, non-authoritative best-effort cache consulted
// only to reduce cold-start lease acquisitions across this node's own
// process restarts (§11 domain stack: backed by go-redis in production,
// see lease/redishint.go). The mesh's lease response always wins over any
// hint.
type HintCache interface {
	Get(ctx context.Context, ref meshrt.AddressableReference) (meshrt.NodeId, bool)
	Set(ctx context.Context, ref meshrt.AddressableReference, nodeID meshrt.NodeId, ttl time.Duration)
}

// NewAddressableLeaser constructs a leaser. hint may be nil.
func NewAddressableLeaser(client meshrt.MeshClient, clk clock.Clock, hint HintCache) *AddressableLeaser {
	if clk == nil {
		clk = clock.Default
	}
	return &AddressableLeaser{
		client:  client,
		clock:   clk,
		hint:    hint,
		entries: make(map[meshrt.AddressableReference]leaseEntry),
	}
}

// Acquire returns a usable lease for ref: a cache hit not yet due for
// renewal is returned immediately; otherwise a lease RPC is issued (and
// concurrent callers for the same ref share the single in-flight request).
// A cache hit near expiry triggers a background renewal and still returns
// the (still valid) cached lease to the caller without blocking on the
// refresh, per §4.4 ("cache hit near expiry triggers background renewal").
func (l *AddressableLeaser) Acquire(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	now := l.clock.Now()

	l.mu.RLock()
	entry, ok := l.entries[ref]
	l.mu.RUnlock()

	if ok && !entry.lease.Expired(now) {
		if entry.lease.DueForRenewal(now) {
			go l.renewInBackground(ref)
		}
		return entry.lease, nil
	}

	v, err, _ := l.group.Do(ref.String(), func() (any, error) {
		return l.fetch(ctx, ref)
	})
	if err != nil {
		return meshrt.AddressableLease{}, err
	}
	return v.(meshrt.AddressableLease), nil
}

func (l *AddressableLeaser) fetch(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	if l.hint != nil {
		if nodeID, ok := l.hint.Get(ctx, ref); ok {
			logging.Op().Debug("addressable lease hint available", "ref", ref, "hinted_node", nodeID)
		}
	}

	lease, err := l.client.AcquireAddressableLease(ctx, ref)
	if err != nil {
		metrics.RecordLeaseRenewal("addressable", "failed")
		return meshrt.AddressableLease{}, err
	}
	metrics.RecordLeaseRenewal("addressable", "ok")
	l.store(lease)
	if l.hint != nil {
		l.hint.Set(ctx, ref, lease.NodeID, time.Until(lease.LeaseExpiresAt))
	}
	return lease, nil
}

func (l *AddressableLeaser) renewInBackground(ref meshrt.AddressableReference) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.Renew(ctx, ref); err != nil {
		logging.Op().Warn("addressable lease renewal failed", "ref", ref, "error", err)
	}
}

// Renew synchronously refreshes ref's lease and reports whether the
// renewal succeeded. Unlike Acquire's background-renewal path, a caller
// that needs to react to a failed renewal (the Execution System's
// ExecutionLeases, see §4.8) calls this directly rather than racing a
// goroutine it can't observe.
func (l *AddressableLeaser) Renew(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	v, err, _ := l.group.Do("renew:"+ref.String(), func() (any, error) {
		lease, err := l.client.RenewAddressableLease(ctx, ref)
		if err != nil {
			metrics.RecordLeaseRenewal("addressable", "failed")
			return nil, err
		}
		metrics.RecordLeaseRenewal("addressable", "ok")
		l.store(lease)
		return lease, nil
	})
	if err != nil {
		return meshrt.AddressableLease{}, err
	}
	return v.(meshrt.AddressableLease), nil
}

func (l *AddressableLeaser) store(lease meshrt.AddressableLease) {
	l.mu.Lock()
	l.entries[lease.Reference] = leaseEntry{lease: lease}
	l.mu.Unlock()
}

// Evict removes an entry, used when a call using a cached lease fails with
// a routing error suggesting the lease is stale.
func (l *AddressableLeaser) Evict(ref meshrt.AddressableReference) {
	l.mu.Lock()
	delete(l.entries, ref)
	l.mu.Unlock()
}

// Sweep drops expired entries lazily; called opportunistically (e.g. from
// a tick) rather than on a dedicated timer, matching §4.4 ("no eviction
// LRU is specified; bounded memory is achieved by eviction on expiry").
func (l *AddressableLeaser) Sweep() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ref, entry := range l.entries {
		if entry.lease.Expired(now) {
			delete(l.entries, ref)
		}
	}
}

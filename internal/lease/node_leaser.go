// Package lease implements the Node Leaser and Addressable Leaser (§4.3,
// §4.4): acquiring, renewing, and releasing the node's own mesh membership
// lease, and caching per-actor leases for remotely-hosted actors this
// process calls into.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/meshrt/internal/clock"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
	"github.com/oriys/meshrt/internal/node"
)

// NodeLeaserConfig controls join retry policy and lease renewal margin.
type NodeLeaserConfig struct {
	Namespace            string
	JoinAttempts         int
	JoinDelay            time.Duration
	LeaseRenewalFraction float64 // §9: default 0.5
}

func (c NodeLeaserConfig) withDefaults() NodeLeaserConfig {
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 60
	}
	if c.JoinDelay <= 0 {
		c.JoinDelay = time.Second
	}
	if c.LeaseRenewalFraction <= 0 {
		c.LeaseRenewalFraction = 0.5
	}
	return c
}

// NodeLeaser owns the node's own mesh membership lease.
type NodeLeaser struct {
	cfg    NodeLeaserConfig
	client meshrt.MeshClient
	node   *node.Node
	clock  clock.Clock

	onRenewalFailed func(err error)
}

// NewNodeLeaser constructs a NodeLeaser bound to client and n.
func NewNodeLeaser(cfg NodeLeaserConfig, client meshrt.MeshClient, n *node.Node, clk clock.Clock, onRenewalFailed func(error)) *NodeLeaser {
	if clk == nil {
		clk = clock.Default
	}
	return &NodeLeaser{
		cfg:             cfg.withDefaults(),
		client:          client,
		node:            n,
		clock:           clk,
		onRenewalFailed: onRenewalFailed,
	}
}

// JoinCluster retries the join handshake up to JoinAttempts times at
// JoinDelay spacing (§4.10 step 3), aborting early if the node transitions
// out of CONNECTING between attempts (§5 cancellation).
func (l *NodeLeaser) JoinCluster(ctx context.Context) error {
	caps := l.node.Snapshot().Capabilities
	ids := make([]meshrt.InterfaceId, 0, len(caps))
	for id := range caps {
		ids = append(ids, id)
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.JoinAttempts; attempt++ {
		if l.node.State() != meshrt.StateConnecting {
			return meshrt.New(meshrt.KindClusterJoinFailed, "join aborted: node left CONNECTING", lastErr)
		}

		info, err := l.client.Join(ctx, l.cfg.Namespace, ids)
		if err == nil {
			l.node.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
				info := info
				s.NodeInfo = &info
				return s
			})
			logging.Op().Info("joined cluster", "node_id", info.ID, "attempt", attempt)
			return nil
		}
		lastErr = err
		logging.Op().Warn("join attempt failed", "attempt", attempt, "error", err)

		if attempt < l.cfg.JoinAttempts {
			select {
			case <-ctx.Done():
				return meshrt.New(meshrt.KindClusterJoinFailed, "join canceled", ctx.Err())
			case <-l.clock.After(l.cfg.JoinDelay):
			}
		}
	}
	return meshrt.New(meshrt.KindClusterJoinFailed, fmt.Sprintf("exhausted %d join attempts", l.cfg.JoinAttempts), lastErr)
}

// Tick is called once per cooperative tick. It renews the lease when
// leaseRenewAt has passed, and returns a KindNodeLeaseRenewalFailed error
// once the lease has hard-expired with no successful renewal (§4.3), so
// the caller's tick chain actually observes the failure instead of it
// only reaching an optional side-channel callback.
func (l *NodeLeaser) Tick(ctx context.Context) error {
	snap := l.node.Snapshot()
	if snap.NodeInfo == nil {
		return nil
	}
	now := l.clock.Now()

	if now.Before(snap.NodeInfo.LeaseRenewAt) {
		return nil
	}

	info, err := l.client.Renew(ctx, snap.NodeInfo.ID)
	if err == nil {
		l.node.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
			info := info
			s.NodeInfo = &info
			return s
		})
		metrics.RecordLeaseRenewal("node", "ok")
		return nil
	}

	metrics.RecordLeaseRenewal("node", "failed")
	logging.Op().Warn("lease renewal failed", "node_id", snap.NodeInfo.ID, "error", err)
	if !now.After(snap.NodeInfo.LeaseExpiresAt) {
		// Renewal is retried on the next tick; the ticker cadence is the
		// retry window (§4.3). Only hard expiry is fatal.
		return nil
	}

	failure := meshrt.New(meshrt.KindNodeLeaseRenewalFailed, "node lease expired with no successful renewal", err)
	if l.onRenewalFailed != nil {
		l.onRenewalFailed(failure)
	}
	return failure
}

// LeaveCluster is a best-effort, idempotent release (§8: "leaveCluster() is
// idempotent"). Errors are logged but never returned as fatal.
func (l *NodeLeaser) LeaveCluster(ctx context.Context) {
	snap := l.node.Snapshot()
	if snap.NodeInfo == nil {
		return
	}
	if err := l.client.Leave(ctx, snap.NodeInfo.ID); err != nil {
		logging.Op().Warn("leave cluster failed (best effort)", "node_id", snap.NodeInfo.ID, "error", err)
	}
}

// RenewalFraction exposes the configured renewal margin for lease-term
// computation by callers that receive raw lease terms from the mesh and
// need to derive LeaseRenewAt themselves (e.g. a fake MeshClient in tests).
func (c NodeLeaserConfig) RenewalFraction() float64 {
	return c.withDefaults().LeaseRenewalFraction
}

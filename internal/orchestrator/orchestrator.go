// Package orchestrator implements the Client Orchestrator (§4.10): the
// top-level lifecycle that wires every other component together, drives
// the composite tick in its fixed order, and owns the unhandled-failure
// policy.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/meshrt/internal/activation"
	"github.com/oriys/meshrt/internal/capability"
	"github.com/oriys/meshrt/internal/correlation"
	"github.com/oriys/meshrt/internal/lease"
	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/metrics"
	"github.com/oriys/meshrt/internal/node"
	"github.com/oriys/meshrt/internal/observability"
	"github.com/oriys/meshrt/internal/ticker"
)

// Connection is the subset of the Connection Handler the Orchestrator
// drives directly (internal/transport.Connection satisfies this).
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Tick(ctx context.Context)
}

// Config is the top-level options the Orchestrator needs beyond what its
// dependencies already carry.
type Config struct {
	Namespace    string
	StopDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopDeadline <= 0 {
		c.StopDeadline = 30 * time.Second
	}
	return c
}

// LeaseFailureHandler is the host-supplied hook invoked when the node
// lease is irrecoverably lost (§4.10: "typical handler triggers
// process-level remediation").
type LeaseFailureHandler func(err error)

// Orchestrator owns start/stop and the composite tick.
type Orchestrator struct {
	cfg Config

	node       *node.Node
	scanner    *capability.Scanner
	directory  *capability.Directory
	nodeLeaser *lease.NodeLeaser
	conn       Connection
	msgHandler *correlation.Handler
	execSystem *activation.System
	tick       *ticker.Ticker

	deactivator     meshrt.Deactivator
	leaseFailure    LeaseFailureHandler

	mu sync.Mutex
}

// Dependencies bundles every already-constructed component the
// Orchestrator drives. Wiring them up (which client talks to which
// leaser, which directory feeds which execution system) is the caller's
// responsibility — Orchestrator only sequences their lifecycle methods.
type Dependencies struct {
	Node         *node.Node
	Scanner      *capability.Scanner
	Directory    *capability.Directory
	NodeLeaser   *lease.NodeLeaser
	Connection   Connection
	MsgHandler   *correlation.Handler
	ExecSystem   *activation.System
	Deactivator  meshrt.Deactivator
	LeaseFailure LeaseFailureHandler
	TickRate     time.Duration
}

// New constructs an Orchestrator wired to deps but not yet started.
func New(cfg Config, deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg.withDefaults(),
		node:         deps.Node,
		scanner:      deps.Scanner,
		directory:    deps.Directory,
		nodeLeaser:   deps.NodeLeaser,
		conn:         deps.Connection,
		msgHandler:   deps.MsgHandler,
		execSystem:   deps.ExecSystem,
		deactivator:  deps.Deactivator,
		leaseFailure: deps.LeaseFailure,
	}
	o.tick = ticker.New(ticker.Config{TargetTickRate: deps.TickRate}, nil, o.compositeTick, o.onTickFailure)
	return o
}

// Start runs the linear startup sequence (§4.10): scan, setup directory,
// join, connect, transition CONNECTED, start ticking. A second call while
// ClientState is not IDLE fails immediately with ErrAlreadyStarted.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.node.State() != meshrt.StateIdle {
		return meshrt.ErrAlreadyStarted
	}
	o.node.TransitionTo(meshrt.StateConnecting)

	capabilities, regs, err := o.scanner.Scan()
	if err != nil {
		o.node.Reset()
		return meshrt.New(meshrt.KindClusterJoinFailed, "capability scan failed", err)
	}
	if err := o.directory.Setup(capabilities, regs); err != nil {
		o.node.Reset()
		return err
	}
	o.node.Manipulate(func(s meshrt.NodeStatus) meshrt.NodeStatus {
		s.Capabilities = o.directory.GenerateCapabilities()
		return s
	})

	if err := o.nodeLeaser.JoinCluster(ctx); err != nil {
		o.node.Reset()
		return err
	}

	if err := o.conn.Connect(ctx); err != nil {
		o.node.Reset()
		return meshrt.New(meshrt.KindClusterJoinFailed, "connect failed", err)
	}

	o.node.TransitionTo(meshrt.StateConnected)
	o.tick.Start()
	logging.Op().Info("orchestrator started", "namespace", o.cfg.Namespace)
	return nil
}

// compositeTick runs the fixed-order tick (§4.10): connection recovery
// precedes lease renewal so renewal has a live channel; message timeouts
// precede the execution sweep so responses complete before an actor is
// judged idle.
func (o *Orchestrator) compositeTick(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.tick")
	defer func() {
		observability.SetSpanOK(span)
		span.End()
	}()

	start := time.Now()
	o.conn.Tick(ctx)
	metrics.RecordTickDuration("connection", time.Since(start))

	start = time.Now()
	leaseErr := o.nodeLeaser.Tick(ctx)
	metrics.RecordTickDuration("node_lease", time.Since(start))

	start = time.Now()
	o.msgHandler.Tick()
	metrics.RecordTickDuration("message_handler", time.Since(start))
	metrics.SetPendingCalls(o.msgHandler.PendingCount())

	start = time.Now()
	o.execSystem.Tick(ctx, o.deactivator)
	metrics.RecordTickDuration("execution", time.Since(start))
	metrics.SetActivationCount(o.execSystem.ActivationCount())

	metrics.SetNodeState(int(o.node.State()))

	// Surfaced last so every other component still ticks this cycle; the
	// Ticker's onFail (o.onTickFailure) is what actually reacts to it.
	return leaseErr
}

// onTickFailure implements the unhandled-exception policy: a
// NodeLeaseRenewalFailed kind transitions to STOPPING and invokes the
// host's lease-failure handler; everything else is already logged by the
// ticker and swallowed.
func (o *Orchestrator) onTickFailure(err error) {
	var kind meshrt.Kind
	if me, ok := err.(*meshrt.Error); ok {
		kind = me.Kind
	}
	metrics.RecordTickFailure(kind.String())
	if !meshrt.IsKind(err, meshrt.KindNodeLeaseRenewalFailed) {
		return
	}
	o.mu.Lock()
	if o.node.State() == meshrt.StateConnected {
		o.node.TransitionTo(meshrt.StateStopping)
	}
	o.mu.Unlock()
	if o.leaseFailure != nil {
		o.leaseFailure(err)
	}
}

// Stop runs the shutdown sequence (§4.10): STOPPING, best-effort leave,
// drain activations, stop the ticker, disconnect, reset to STOPPED.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.node.State() == meshrt.StateStopped {
		return
	}
	o.node.TransitionTo(meshrt.StateStopping)

	o.nodeLeaser.LeaveCluster(ctx)
	o.execSystem.Stop(o.deactivator)
	o.tick.Stop()
	if err := o.conn.Disconnect(); err != nil {
		logging.Op().Warn("disconnect failed during stop", "error", err)
	}

	o.node.Reset()
	o.node.TransitionTo(meshrt.StateStopped)
	logging.Op().Info("orchestrator stopped")
}

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/google/uuid"

	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/node"
	"github.com/oriys/meshrt/internal/observability"
)

// Config controls the Connection Handler's dial target and reconnect
// backoff (see Tick for how the backoff is applied).
type Config struct {
	Endpoint           string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectFactor    float64
}

func (c Config) withDefaults() Config {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 200 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectFactor <= 1 {
		c.ReconnectFactor = 2
	}
	return c
}

// Connection is the Connection Handler (§4.5). It caches a single dialed
// *grpc.ClientConn the way cluster/proxy.go caches per-node connections,
// opens one bidirectional Envelope stream after join, and demultiplexes
// inbound frames to the registered sinks.
type Connection struct {
	cfg  Config
	node *node.Node

	mu         sync.Mutex
	conn       *grpc.ClientConn
	stream     EnvelopeClientStream
	connected  bool
	backoff    time.Duration
	cancelRead context.CancelFunc

	responseSink   meshrt.ResponseSink
	invocationSink meshrt.InvocationSink

	pendingMu sync.Mutex
	pending   map[string]chan *Envelope

	wg sync.WaitGroup
}

// New constructs a disconnected Connection. responseSink and
// invocationSink may be nil at construction (the Message Handler and
// Invocation System both need a live MeshClient to build, which is this
// Connection itself) and supplied afterward via SetSinks.
func New(cfg Config, n *node.Node, responseSink meshrt.ResponseSink, invocationSink meshrt.InvocationSink) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:            cfg,
		node:           n,
		responseSink:   responseSink,
		invocationSink: invocationSink,
		backoff:        cfg.ReconnectBaseDelay,
		pending:        make(map[string]chan *Envelope),
	}
}

// SetSinks wires the demultiplex targets once they exist. Must be called
// before Connect; safe to call at most once during startup wiring.
func (c *Connection) SetSinks(responseSink meshrt.ResponseSink, invocationSink meshrt.InvocationSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseSink = responseSink
	c.invocationSink = invocationSink
}

// Connect dials the mesh endpoint and opens the Envelope stream (§4.10
// step 4, run once after join succeeds).
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

func (c *Connection) dialLocked(ctx context.Context) error {
	conn, err := grpc.NewClient(c.cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return meshrt.New(meshrt.KindTransport, "dial failed", err)
	}
	stream, err := OpenStream(ctx, conn)
	if err != nil {
		conn.Close()
		return meshrt.New(meshrt.KindTransport, "open stream failed", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.stream = stream
	c.connected = true
	c.cancelRead = cancel
	c.backoff = c.cfg.ReconnectBaseDelay

	c.wg.Add(1)
	go c.readLoop(readCtx, stream)

	logging.Op().Info("mesh stream connected", "endpoint", c.cfg.Endpoint)
	return nil
}

// Disconnect closes the stream cleanly; subsequent inbound frames are
// discarded (§4.5).
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.cancelRead != nil {
		c.cancelRead()
	}
	if c.stream != nil {
		c.stream.CloseSend()
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.conn, c.stream = nil, nil
	return err
}

// Tick checks liveness and, if the transport surfaces a transient
// disconnect while ClientState is CONNECTED, redials the stream (§4.5, §9).
// A redial is attempted on every tick; the backoff is not waited out
// between attempts. It grows by ReconnectFactor after each failure (capped
// at ReconnectMaxDelay), and once it exceeds the node lease's remaining
// lifetime, or the lease has expired, Tick logs a warning and stops
// redialing.
func (c *Connection) Tick(ctx context.Context) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		return
	}
	if c.node.State() != meshrt.StateConnected {
		return
	}

	snap := c.node.Snapshot()
	if snap.NodeInfo != nil {
		remaining := time.Until(snap.NodeInfo.LeaseExpiresAt)
		if remaining <= 0 {
			logging.Op().Warn("reconnect abandoned: node lease already expired")
			return
		}
		if c.backoff > remaining {
			logging.Op().Warn("reconnect backoff would exceed remaining lease lifetime", "backoff", c.backoff, "lease_remaining", remaining)
			return
		}
	}

	c.mu.Lock()
	err := c.dialLocked(ctx)
	if err != nil {
		next := time.Duration(float64(c.backoff) * c.cfg.ReconnectFactor)
		if next > c.cfg.ReconnectMaxDelay {
			next = c.cfg.ReconnectMaxDelay
		}
		c.backoff = next
	}
	c.mu.Unlock()

	if err != nil {
		logging.Op().Warn("reconnect attempt failed", "error", err, "next_backoff", c.backoff)
	}
}

func (c *Connection) readLoop(ctx context.Context, stream EnvelopeClientStream) {
	defer c.wg.Done()
	for {
		env, err := stream.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			logging.Op().Warn("mesh stream read failed, will reconnect on next tick", "error", err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env *Envelope) {
	switch env.Kind {
	case FrameJoinResponse, FrameRenewResponse, FrameLeaveResponse, FrameAddressableLeaseResponse:
		c.pendingMu.Lock()
		ch, ok := c.pending[env.CorrelationID]
		if ok {
			delete(c.pending, env.CorrelationID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	case FrameInvocationResponse:
		if c.responseSink == nil || env.Invocation == nil {
			return
		}
		c.responseSink.OnInboundResponse(env.Invocation.MessageID, decodeResult(env.Invocation))
	case FrameInvocationRequest:
		if c.invocationSink == nil || env.Invocation == nil {
			return
		}
		ctx := observability.InjectTraceContext(context.Background(), observability.TraceContext{
			TraceParent: env.Invocation.TraceParent,
			TraceState:  env.Invocation.TraceState,
		})
		c.invocationSink.OnInboundInvocation(ctx, decodeRequest(env.Invocation))
	}
}

func (c *Connection) roundTrip(ctx context.Context, kind FrameKind, env *Envelope) (*Envelope, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil, meshrt.New(meshrt.KindTransport, "not connected", nil)
	}

	env.Kind = kind
	env.CorrelationID = uuid.NewString()
	ch := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.CorrelationID] = ch
	c.pendingMu.Unlock()

	if err := stream.Send(env); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, env.CorrelationID)
		c.pendingMu.Unlock()
		return nil, meshrt.New(meshrt.KindTransport, "write failed", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, meshrt.New(meshrt.KindTimeout, "round trip canceled", ctx.Err())
	}
}

// Join implements meshrt.MeshClient.
func (c *Connection) Join(ctx context.Context, namespace string, capabilities []meshrt.InterfaceId) (meshrt.NodeInfo, error) {
	resp, err := c.roundTrip(ctx, FrameJoinRequest, &Envelope{Join: &JoinPayload{Namespace: namespace, Capabilities: capabilities}})
	if err != nil {
		return meshrt.NodeInfo{}, err
	}
	if resp.Join == nil || resp.Join.Rejected {
		reason := ""
		if resp.Join != nil {
			reason = resp.Join.Reason
		}
		return meshrt.NodeInfo{}, meshrt.New(meshrt.KindJoinRejected, reason, nil)
	}
	return meshrt.NodeInfo{ID: resp.Join.NodeID, LeaseExpiresAt: resp.Join.LeaseExpires, LeaseRenewAt: resp.Join.LeaseRenewAt}, nil
}

// Renew implements meshrt.MeshClient.
func (c *Connection) Renew(ctx context.Context, nodeID meshrt.NodeId) (meshrt.NodeInfo, error) {
	resp, err := c.roundTrip(ctx, FrameRenewRequest, &Envelope{Renew: &RenewPayload{NodeID: nodeID}})
	if err != nil {
		return meshrt.NodeInfo{}, err
	}
	if resp.Renew == nil || resp.Renew.Lost {
		return meshrt.NodeInfo{}, meshrt.New(meshrt.KindNodeLeaseRenewalFailed, "mesh reports lease lost", nil)
	}
	return meshrt.NodeInfo{ID: nodeID, LeaseExpiresAt: resp.Renew.LeaseExpires, LeaseRenewAt: resp.Renew.LeaseRenewAt}, nil
}

// Leave implements meshrt.MeshClient.
func (c *Connection) Leave(ctx context.Context, nodeID meshrt.NodeId) error {
	_, err := c.roundTrip(ctx, FrameLeaveRequest, &Envelope{Leave: &LeavePayload{NodeID: nodeID}})
	return err
}

// AcquireAddressableLease implements meshrt.MeshClient.
func (c *Connection) AcquireAddressableLease(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	resp, err := c.roundTrip(ctx, FrameAddressableLeaseRequest, &Envelope{Lease: &LeasePayload{Interface: ref.Interface, Key: ref.Key}})
	if err != nil {
		return meshrt.AddressableLease{}, err
	}
	if resp.Lease == nil || resp.Lease.Denied {
		return meshrt.AddressableLease{}, meshrt.New(meshrt.KindRemote, "addressable lease denied", nil)
	}
	return meshrt.AddressableLease{Reference: ref, NodeID: resp.Lease.NodeID, LeaseExpiresAt: resp.Lease.LeaseExpires, LeaseRenewAt: resp.Lease.LeaseRenewAt}, nil
}

// RenewAddressableLease implements meshrt.MeshClient.
func (c *Connection) RenewAddressableLease(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	return c.AcquireAddressableLease(ctx, ref)
}

// WriteInvocation implements meshrt.MeshClient.
func (c *Connection) WriteInvocation(ctx context.Context, req meshrt.InvocationRequest) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return meshrt.New(meshrt.KindTransport, "not connected", nil)
	}
	return stream.Send(&Envelope{Kind: FrameInvocationRequest, Invocation: encodeRequest(ctx, req)})
}

// WriteInvocationResult implements meshrt.MeshClient.
func (c *Connection) WriteInvocationResult(ctx context.Context, messageID meshrt.MessageID, result meshrt.InvocationResult) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return meshrt.New(meshrt.KindTransport, "not connected", nil)
	}
	payload := &InvocationPayload{MessageID: messageID}
	if result.Err != nil {
		kind := meshrt.KindRemote
		var me *meshrt.Error
		if errors.As(result.Err, &me) {
			kind = me.Kind
		}
		payload.ErrorKind = kind.String()
		payload.ErrorMsg = result.Err.Error()
	} else {
		res, _ := structpb.NewStruct(map[string]any{"payload": base64.StdEncoding.EncodeToString(result.Payload)})
		payload.Result = res
	}
	return stream.Send(&Envelope{Kind: FrameInvocationResponse, Invocation: payload})
}

func encodeRequest(ctx context.Context, req meshrt.InvocationRequest) *InvocationPayload {
	args, _ := structpb.NewStruct(map[string]any{"payload": base64.StdEncoding.EncodeToString(req.Args)})
	var deadline int64
	if !req.Deadline.IsZero() {
		deadline = req.Deadline.UnixNano()
	}
	tc := observability.ExtractTraceContext(ctx)
	return &InvocationPayload{
		MessageID:        req.MessageID,
		Interface:        req.Target.Interface,
		Key:              req.Target.Key,
		Method:           req.Method,
		Args:             args,
		DeadlineUnixNano: deadline,
		TraceParent:      tc.TraceParent,
		TraceState:       tc.TraceState,
	}
}

func decodeRequest(p *InvocationPayload) meshrt.InvocationRequest {
	var deadline time.Time
	if p.DeadlineUnixNano != 0 {
		deadline = time.Unix(0, p.DeadlineUnixNano)
	}
	return meshrt.InvocationRequest{
		MessageID: p.MessageID,
		Target:    meshrt.AddressableReference{Interface: p.Interface, Key: p.Key},
		Method:    p.Method,
		Args:      decodePayloadBytes(p.Args),
		Deadline:  deadline,
	}
}

func decodeResult(p *InvocationPayload) meshrt.InvocationResult {
	if p.ErrorKind != "" {
		return meshrt.InvocationResult{Err: meshrt.New(meshrt.ParseKind(p.ErrorKind), p.ErrorMsg, nil)}
	}
	return meshrt.InvocationResult{Payload: decodePayloadBytes(p.Result)}
}

func decodePayloadBytes(s *structpb.Struct) []byte {
	if s == nil {
		return nil
	}
	v, ok := s.Fields["payload"]
	if !ok {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil
	}
	return data
}

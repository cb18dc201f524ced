package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/meshrt/internal/meshrt"
)

// LocalMesh is an in-process fake of the mesh side of meshrt.MeshClient,
// used in tests in place of a dialed grpc.ClientConn. It has no relation
// to a real mesh's placement or gossip logic; it exists purely so the
// leasers, correlation handler, and orchestrator can be exercised without
// a live server.
type LocalMesh struct {
	mu       sync.Mutex
	nodes    map[meshrt.NodeId]meshrt.NodeInfo
	leases   map[meshrt.AddressableReference]meshrt.AddressableLease
	nextNode int

	// JoinHook, when set, lets a test reject or redirect a Join call.
	JoinHook func(namespace string, capabilities []meshrt.InterfaceId) (meshrt.NodeInfo, error)
	// RenewHook, when set, lets a test simulate lease loss.
	RenewHook func(nodeID meshrt.NodeId) (meshrt.NodeInfo, error)

	LeaseTTL time.Duration

	invocations chan meshrt.InvocationRequest
	responses   map[meshrt.MessageID]meshrt.InvocationResult
}

// NewLocalMesh returns a LocalMesh with a default lease TTL.
func NewLocalMesh() *LocalMesh {
	return &LocalMesh{
		nodes:       make(map[meshrt.NodeId]meshrt.NodeInfo),
		leases:      make(map[meshrt.AddressableReference]meshrt.AddressableLease),
		LeaseTTL:    30 * time.Second,
		invocations: make(chan meshrt.InvocationRequest, 64),
	}
}

func (m *LocalMesh) Join(ctx context.Context, namespace string, capabilities []meshrt.InterfaceId) (meshrt.NodeInfo, error) {
	if m.JoinHook != nil {
		return m.JoinHook(namespace, capabilities)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNode++
	info := meshrt.NodeInfo{
		ID:             meshrt.NodeId(uuid.NewString()),
		LeaseExpiresAt: time.Now().Add(m.LeaseTTL),
		LeaseRenewAt:   time.Now().Add(m.LeaseTTL / 2),
	}
	m.nodes[info.ID] = info
	return info, nil
}

func (m *LocalMesh) Renew(ctx context.Context, nodeID meshrt.NodeId) (meshrt.NodeInfo, error) {
	if m.RenewHook != nil {
		return m.RenewHook(nodeID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.nodes[nodeID]
	if !ok {
		return meshrt.NodeInfo{}, meshrt.New(meshrt.KindNodeLeaseRenewalFailed, "unknown node", nil)
	}
	info.LeaseExpiresAt = time.Now().Add(m.LeaseTTL)
	info.LeaseRenewAt = time.Now().Add(m.LeaseTTL / 2)
	m.nodes[nodeID] = info
	return info, nil
}

func (m *LocalMesh) Leave(ctx context.Context, nodeID meshrt.NodeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	return nil
}

func (m *LocalMesh) AcquireAddressableLease(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[ref]; ok && !lease.Expired(time.Now()) {
		return lease, nil
	}
	var anyNode meshrt.NodeId
	for id := range m.nodes {
		anyNode = id
		break
	}
	lease := meshrt.AddressableLease{
		Reference:      ref,
		NodeID:         anyNode,
		LeaseExpiresAt: time.Now().Add(m.LeaseTTL),
		LeaseRenewAt:   time.Now().Add(m.LeaseTTL / 2),
	}
	m.leases[ref] = lease
	return lease, nil
}

func (m *LocalMesh) RenewAddressableLease(ctx context.Context, ref meshrt.AddressableReference) (meshrt.AddressableLease, error) {
	return m.AcquireAddressableLease(ctx, ref)
}

// WriteInvocation records the request for assertions (see Invocations). It
// produces no response; tests deliver one with Respond.
func (m *LocalMesh) WriteInvocation(ctx context.Context, req meshrt.InvocationRequest) error {
	select {
	case m.invocations <- req:
	default:
	}
	return nil
}

// WriteInvocationResult records a synthesized response the same way
// WriteInvocation records requests; tests can assert against it via
// Responses.
func (m *LocalMesh) WriteInvocationResult(ctx context.Context, messageID meshrt.MessageID, result meshrt.InvocationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responses == nil {
		m.responses = make(map[meshrt.MessageID]meshrt.InvocationResult)
	}
	m.responses[messageID] = result
	return nil
}

// Responses returns the results recorded by WriteInvocationResult so far.
func (m *LocalMesh) Responses() map[meshrt.MessageID]meshrt.InvocationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[meshrt.MessageID]meshrt.InvocationResult, len(m.responses))
	for k, v := range m.responses {
		out[k] = v
	}
	return out
}

// Invocations drains the requests written so far, for test assertions.
func (m *LocalMesh) Invocations() []meshrt.InvocationRequest {
	var out []meshrt.InvocationRequest
	for {
		select {
		case req := <-m.invocations:
			out = append(out, req)
		default:
			return out
		}
	}
}

// Respond delivers a synthesized InvocationResult to sink as though it had
// arrived over the wire, for tests driving internal/correlation directly.
func (m *LocalMesh) Respond(sink meshrt.ResponseSink, messageID meshrt.MessageID, result meshrt.InvocationResult) {
	sink.OnInboundResponse(messageID, result)
}

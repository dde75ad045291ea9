package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veriseal-org/veriseal/logger"
)

var (
	ErrNodeNotFound   = errors.New("node not found")
	ErrNodeRegistered = errors.New("node is already registered")
)

type (
	// Clock is the synchronized timestamp source used for node registration
	// times.
	Clock interface {
		Timestamp() time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	/*
		NodeManager is the registry of the verification network's nodes. The
		registry keeps registration order so node listings are stable. Safe
		for concurrent use.

		Nodes are runtime topology, not durable state, a restarted process
		initializes a fresh network.
	*/
	NodeManager struct {
		mu         sync.RWMutex
		topologyID string
		nodes      map[string]*VerificationNode
		order      []string
		clock      Clock
		log        *slog.Logger
	}
)

func NewNodeManager(clock Clock, obs Observability) (*NodeManager, error) {
	if clock == nil {
		return nil, errors.New("timestamp source is nil")
	}
	m := &NodeManager{
		nodes: map[string]*VerificationNode{},
		clock: clock,
		log:   obs.Logger(),
	}
	if err := m.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return m, nil
}

func (m *NodeManager) initMetrics(obs Observability) (err error) {
	meter := obs.Meter("network")

	_, err = meter.Int64ObservableUpDownCounter(
		"nodes.active",
		metric.WithDescription("Number of active nodes in the verification network."),
		metric.WithInt64Callback(func(_ context.Context, io metric.Int64Observer) error {
			io.Observe(int64(m.ActiveNodeCount()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating counter for active nodes: %w", err)
	}
	return nil
}

/*
InitializeNetwork replaces the current topology with nodeCount freshly
generated simulated nodes, all active and carrying DefaultNodeTrustScore.
Returns the id of the new topology.
*/
func (m *NodeManager) InitializeNetwork(ctx context.Context, nodeCount int) (string, error) {
	if nodeCount <= 0 {
		return "", fmt.Errorf("node count must be greater than zero, got %d", nodeCount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.topologyID = uuid.NewString()
	m.nodes = make(map[string]*VerificationNode, nodeCount)
	m.order = make([]string, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		node := &VerificationNode{
			NodeID:       uuid.NewString(),
			TrustScore:   DefaultNodeTrustScore,
			Status:       NodeStatusActive,
			RegisteredAt: m.clock.Timestamp(),
		}
		m.nodes[node.NodeID] = node
		m.order = append(m.order, node.NodeID)
	}

	m.log.InfoContext(ctx, fmt.Sprintf("verification network initialized with %d nodes, topology %s", nodeCount, m.topologyID))
	return m.topologyID, nil
}

// RegisterNode adds the node to the current topology. The trust score must
// be in [0..1] and the node id unused. Missing status defaults to active,
// missing registration time is stamped by the manager.
func (m *NodeManager) RegisterNode(ctx context.Context, node *VerificationNode) error {
	if node == nil {
		return errors.New("node is nil")
	}
	if node.NodeID == "" {
		return errors.New("node id is empty")
	}
	if node.TrustScore < 0 || node.TrustScore > 1 {
		return fmt.Errorf("trust score %v of node %q is outside [0..1]", node.TrustScore, node.NodeID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[node.NodeID]; ok {
		return fmt.Errorf("node %q: %w", node.NodeID, ErrNodeRegistered)
	}
	n := node.Clone()
	if n.Status == "" {
		n.Status = NodeStatusActive
	}
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = m.clock.Timestamp()
	}
	m.nodes[n.NodeID] = n
	m.order = append(m.order, n.NodeID)

	m.log.InfoContext(ctx, "node joined the verification network", logger.NodeID(n.NodeID))
	return nil
}

// GetNode returns a copy of the node or ErrNodeNotFound.
func (m *NodeManager) GetNode(nodeID string) (*VerificationNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", nodeID, ErrNodeNotFound)
	}
	return node.Clone(), nil
}

// GetActiveNodes returns copies of the active nodes in registration order.
func (m *NodeManager) GetActiveNodes() []*VerificationNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*VerificationNode, 0, len(m.order))
	for _, id := range m.order {
		if node := m.nodes[id]; node.IsActive() {
			nodes = append(nodes, node.Clone())
		}
	}
	return nodes
}

// GetAllNodes returns copies of every node in registration order.
func (m *NodeManager) GetAllNodes() []*VerificationNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*VerificationNode, 0, len(m.order))
	for _, id := range m.order {
		nodes = append(nodes, m.nodes[id].Clone())
	}
	return nodes
}

// SetNodeStatus updates the node's lifecycle status.
func (m *NodeManager) SetNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	switch status {
	case NodeStatusActive, NodeStatusInactive:
	default:
		return fmt.Errorf("unknown node status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %q: %w", nodeID, ErrNodeNotFound)
	}
	if node.Status != status {
		node.Status = status
		m.log.InfoContext(ctx, fmt.Sprintf("node status changed to %s", status), logger.NodeID(nodeID))
	}
	return nil
}

// TotalNodes returns the number of nodes in the topology.
func (m *NodeManager) TotalNodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// ActiveNodeCount returns the number of active nodes.
func (m *NodeManager) ActiveNodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cnt := 0
	for _, node := range m.nodes {
		if node.IsActive() {
			cnt++
		}
	}
	return cnt
}

// TopologyID returns the id of the current topology, empty before the
// network is initialized.
func (m *NodeManager) TopologyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topologyID
}

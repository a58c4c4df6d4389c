package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/logging"
)

// Registry manages a namespaced set of Nodes, persisted through
// kvstore.Store so membership survives a kernel restart. One kernel
// process opens several Registry instances — one per subcluster, plus
// one for worker-backend placement — distinguished by Namespace.
type Registry struct {
	store               kvstore.Store
	namespace           string
	nodes               map[string]*Node
	mu                  sync.RWMutex
	healthCheckInterval time.Duration
	heartbeatTimeout    time.Duration
	stopCh              chan struct{}
	stopOnce            sync.Once
}

// Config holds registry configuration.
type Config struct {
	Namespace           string
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
}

// DefaultConfig returns default registry configuration for namespace.
func DefaultConfig(namespace string) *Config {
	return &Config{
		Namespace:           namespace,
		HealthCheckInterval: 30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
	}
}

// NewRegistry creates a Registry backed by store. store may be nil for a
// purely in-memory registry (used in tests).
func NewRegistry(store kvstore.Store, cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &Registry{
		store:               store,
		namespace:           cfg.Namespace,
		nodes:               make(map[string]*Node),
		healthCheckInterval: cfg.HealthCheckInterval,
		heartbeatTimeout:    cfg.HeartbeatTimeout,
		stopCh:              make(chan struct{}),
	}
}

func (r *Registry) key(nodeID string) string {
	return fmt.Sprintf("cluster.%s.%s", r.namespace, nodeID)
}

// RegisterNode registers or updates a node in this registry.
func (r *Registry) RegisterNode(ctx context.Context, node *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node.UpdatedAt = time.Now()
	node.LastHeartbeat = time.Now()
	if node.State == "" {
		node.State = NodeStateActive
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = node.UpdatedAt
	}

	if r.store != nil {
		b, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("cluster: encode node %s: %w", node.ID, err)
		}
		if err := r.store.Set(ctx, r.key(node.ID), b); err != nil {
			logging.Op().Warn("failed to persist node registration", "namespace", r.namespace, "id", node.ID, "error", err)
		}
	}

	r.nodes[node.ID] = node
	logging.Op().Info("node registered", "namespace", r.namespace, "id", node.ID, "name", node.Name)
	return nil
}

// UpdateHeartbeat refreshes nodeID's liveness and load metrics.
func (r *Registry) UpdateHeartbeat(ctx context.Context, nodeID string, activeLoad, queueDepth int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return fmt.Errorf("cluster: node %s not found in namespace %s", nodeID, r.namespace)
	}

	node.LastHeartbeat = time.Now()
	node.ActiveLoad = activeLoad
	node.QueueDepth = queueDepth

	if r.store != nil {
		b, err := json.Marshal(node)
		if err == nil {
			if err := r.store.Set(ctx, r.key(nodeID), b); err != nil {
				logging.Op().Warn("failed to persist heartbeat", "namespace", r.namespace, "node", nodeID, "error", err)
			}
		}
	}
	return nil
}

// GetNode retrieves a node by ID from the in-memory view.
func (r *Registry) GetNode(nodeID string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("cluster: node %s not found in namespace %s", nodeID, r.namespace)
	}
	return node, nil
}

// ListNodes returns every registered node.
func (r *Registry) ListNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// ListHealthyNodes returns every node within its heartbeat timeout.
func (r *Registry) ListHealthyNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0)
	for _, node := range r.nodes {
		if node.IsHealthy(r.heartbeatTimeout) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// RemoveNode removes a node from this registry.
func (r *Registry) RemoveNode(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, nodeID)
	if r.store != nil {
		if err := r.store.Delete(ctx, r.key(nodeID)); err != nil {
			logging.Op().Warn("failed to delete node from store", "namespace", r.namespace, "id", nodeID, "error", err)
		}
	}
	logging.Op().Info("node removed", "namespace", r.namespace, "id", nodeID)
	return nil
}

// LoadFromStore refreshes this registry's in-memory view from the
// persisted keyspace, used on kernel startup to recover subcluster
// membership and backend registrations after a restart.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: fmt.Sprintf("cluster.%s.", r.namespace)})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		node := &Node{}
		if err := json.Unmarshal(row.Value, node); err != nil {
			continue
		}
		r.nodes[node.ID] = node
	}
	return nil
}

// StartHealthChecker runs the background staleness sweep until ctx is
// done or Stop is called.
func (r *Registry) StartHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkNodeHealth()
		}
	}
}

func (r *Registry) checkNodeHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, node := range r.nodes {
		if !node.IsHealthy(r.heartbeatTimeout) && node.State == NodeStateActive {
			logging.Op().Warn("node became unhealthy", "namespace", r.namespace, "id", id, "last_heartbeat", node.LastHeartbeat)
			node.State = NodeStateInactive
		}
	}
}

// Stop stops the registry's background health checker. Safe to call more
// than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

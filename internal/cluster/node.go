package cluster

import (
	"time"
)

// NodeState represents the state of a registered member in a Registry.
type NodeState string

const (
	NodeStateActive   NodeState = "active"   // accepting new placements
	NodeStateInactive NodeState = "inactive" // missed its heartbeat window
	NodeStateDrained  NodeState = "drained"   // being drained, no new placements
)

// Node is a generic registry member. The same type backs two distinct
// registries in this kernel: a subcluster's live vat members
// (kernel.Subcluster, ID = vatID) and the set of worker backends a vat
// can be launched on (kernel's backend placement registry, ID = backend
// name): subcluster membership and worker-backend placement,
// respectively.
type Node struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Address       string            `json:"address"` // worker transport address, if remote
	State         NodeState         `json:"state"`
	MaxLoad       int               `json:"max_load"`    // capacity unit (concurrent vats a backend can host)
	ActiveLoad    int               `json:"active_load"` // vats currently placed here
	QueueDepth    int               `json:"queue_depth"`
	Labels        map[string]string `json:"labels"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`

	// Resource pressure, reported by whatever health-reporting path the
	// backend exposes (kept from the node-metrics precedent: the
	// resource-aware scheduling strategy still needs these, even though
	// nothing in the kernel currently populates them beyond zero).
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	IOPressure     float64 `json:"io_pressure"`
	MemoryPressure float64 `json:"memory_pressure"`
}

// IsHealthy reports whether n is active and has heartbeated within timeout.
func (n *Node) IsHealthy(timeout time.Duration) bool {
	if n.State != NodeStateActive {
		return false
	}
	return time.Since(n.LastHeartbeat) < timeout
}

// AvailableCapacity returns the remaining placement capacity on n.
func (n *Node) AvailableCapacity() int {
	if n.MaxLoad <= 0 {
		return 0
	}
	return n.MaxLoad - n.ActiveLoad
}

// LoadFactor returns a value 0-1 representing how loaded n is.
func (n *Node) LoadFactor() float64 {
	if n.MaxLoad <= 0 {
		return 1.0
	}
	return float64(n.ActiveLoad) / float64(n.MaxLoad)
}

// ResourcePressureScore returns a composite 0-1 pressure score (CPU 40%,
// memory 35%, IO 25%); the scheduler avoids placing work on high-pressure
// nodes.
func (n *Node) ResourcePressureScore() float64 {
	score := (n.CPUUsage*0.4 + n.MemoryUsage*0.35 + n.IOPressure*0.25) / 100.0
	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}

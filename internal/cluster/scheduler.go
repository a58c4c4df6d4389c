package cluster

import (
	"fmt"
	"math/rand"
	"sync"
)

// SchedulingStrategy defines how Scheduler picks a node for a placement.
type SchedulingStrategy string

const (
	StrategyRoundRobin    SchedulingStrategy = "round-robin"
	StrategyLeastLoaded   SchedulingStrategy = "least-loaded"
	StrategyRandom        SchedulingStrategy = "random"
	StrategyResourceAware SchedulingStrategy = "resource-aware"
)

// Scheduler selects a node from a Registry for a new placement: a vat
// launch choosing a worker backend, in this kernel. The selection
// strategies are
// domain-agnostic by construction and need no change from the original
// function-placement use of the same type.
type Scheduler struct {
	registry *Registry
	strategy SchedulingStrategy

	mu      sync.Mutex // protects rrIndex
	rrIndex int
}

// NewScheduler creates a Scheduler over registry using strategy
// (defaults to least-loaded).
func NewScheduler(registry *Registry, strategy SchedulingStrategy) *Scheduler {
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}
	return &Scheduler{registry: registry, strategy: strategy}
}

// SelectNode picks the best node for a new placement per the configured
// strategy.
func (s *Scheduler) SelectNode() (*Node, error) {
	nodes := s.registry.ListHealthyNodes()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cluster: no healthy nodes available in namespace %s", s.registry.namespace)
	}

	switch s.strategy {
	case StrategyRoundRobin:
		return s.selectRoundRobin(nodes), nil
	case StrategyRandom:
		return s.selectRandom(nodes), nil
	case StrategyResourceAware:
		return s.selectResourceAware(nodes), nil
	default:
		return s.selectLeastLoaded(nodes), nil
	}
}

func (s *Scheduler) selectRoundRobin(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.rrIndex % len(nodes)
	s.rrIndex++
	return nodes[index]
}

func (s *Scheduler) selectLeastLoaded(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	var selected *Node
	lowestLoad := 2.0 // > 1.0
	for _, node := range nodes {
		if load := node.LoadFactor(); load < lowestLoad {
			lowestLoad = load
			selected = node
		}
	}
	return selected
}

func (s *Scheduler) selectRandom(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	return nodes[rand.Intn(len(nodes))]
}

// selectResourceAware picks the node with the lowest composite resource
// pressure score, avoiding backends near-OOM or IO-blocked.
func (s *Scheduler) selectResourceAware(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	var selected *Node
	lowestScore := 2.0 // > 1.0
	for _, node := range nodes {
		if score := node.ResourcePressureScore(); score < lowestScore {
			lowestScore = score
			selected = node
		}
	}
	return selected
}

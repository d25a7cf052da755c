package inmemory

import (
	"context"
	"slices"
	"strings"
	"sync"

	cluster "github.com/AnishMulay/sandgate/internal/cluster_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
)

// InMemoryClusterService holds a static membership list. Nodes are Alive
// from the moment they are known until marked otherwise.
type InMemoryClusterService struct {
	mu       sync.RWMutex
	ls       log_service.LogService
	nodes    map[string]cluster.ClusterNode
	status   map[string]cluster.NodeStatus
	watchers []func()
}

func NewInMemoryClusterService(nodes []cluster.ClusterNode, ls log_service.LogService) *InMemoryClusterService {
	s := &InMemoryClusterService{
		ls:     ls,
		nodes:  make(map[string]cluster.ClusterNode),
		status: make(map[string]cluster.NodeStatus),
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
		s.status[n.ID] = cluster.NodeStatusAlive
	}
	return s
}

func (s *InMemoryClusterService) Start(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.ls.Info(log_service.LogEvent{
		Message:  "Starting static cluster service",
		Metadata: map[string]any{"nodes": len(s.nodes)},
	})
	return nil
}

func (s *InMemoryClusterService) Stop(ctx context.Context) error {
	return nil
}

func validate(node cluster.ClusterNode) error {
	if strings.TrimSpace(node.ID) == "" {
		return cluster.ErrInvalidNodeID
	}
	if strings.TrimSpace(node.Address) == "" {
		return cluster.ErrInvalidNodeAddress
	}
	return nil
}

func (s *InMemoryClusterService) RegisterNode(node cluster.ClusterNode) error {
	if err := validate(node); err != nil {
		s.ls.Error(log_service.LogEvent{
			Message:  "Invalid node registration",
			Metadata: map[string]any{"id": node.ID, "address": node.Address, "error": err.Error()},
		})
		return err
	}

	s.mu.Lock()
	s.nodes[node.ID] = node
	s.status[node.ID] = cluster.NodeStatusAlive
	s.mu.Unlock()

	s.ls.Info(log_service.LogEvent{
		Message:  "Node registered",
		Metadata: map[string]any{"id": node.ID, "address": node.Address, "role": node.Role},
	})
	s.notifyWatchers()
	return nil
}

func (s *InMemoryClusterService) DeregisterNode(id string) error {
	s.mu.Lock()
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		return cluster.ErrNodeNotFound
	}
	delete(s.nodes, id)
	delete(s.status, id)
	s.mu.Unlock()

	s.ls.Info(log_service.LogEvent{
		Message:  "Node deregistered",
		Metadata: map[string]any{"id": id},
	})
	s.notifyWatchers()
	return nil
}

// SetStatus overrides the liveness of a known node.
func (s *InMemoryClusterService) SetStatus(id string, status cluster.NodeStatus) error {
	s.mu.Lock()
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		return cluster.ErrNodeNotFound
	}
	s.status[id] = status
	s.mu.Unlock()

	s.notifyWatchers()
	return nil
}

func (s *InMemoryClusterService) GetHealthyNodes() ([]cluster.SafeNode, error) {
	all, _ := s.GetAllNodes()
	return slices.DeleteFunc(all, func(n cluster.SafeNode) bool {
		return n.Status != cluster.NodeStatusAlive
	}), nil
}

func (s *InMemoryClusterService) GetAllNodes() ([]cluster.SafeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]cluster.SafeNode, 0, len(s.nodes))
	for id, n := range s.nodes {
		nodes = append(nodes, cluster.SafeNode{
			ID:       n.ID,
			Address:  n.Address,
			Role:     n.Role,
			Status:   s.status[id],
			Metadata: n.Metadata,
		})
	}
	slices.SortFunc(nodes, func(a, b cluster.SafeNode) int {
		return strings.Compare(a.ID, b.ID)
	})
	return nodes, nil
}

func (s *InMemoryClusterService) Watch(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, callback)
}

func (s *InMemoryClusterService) notifyWatchers() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.watchers {
		go cb()
	}
}

var _ cluster.ClusterService = (*InMemoryClusterService)(nil)

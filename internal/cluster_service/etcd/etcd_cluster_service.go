package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	cluster "github.com/AnishMulay/sandgate/internal/cluster_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	EtcdDialTimeout = 5 * time.Second
	RequestTimeout  = 3 * time.Second
	LeaseTTL        = 5 // seconds
	PrefixRoot      = "/sandgate/"
	PrefixConfig    = "/sandgate/config/nodes/"
	PrefixLease     = "/sandgate/leases/"
)

// EtcdClusterService tracks gateways and backends in etcd. A node's
// identity lives under PrefixConfig; its liveness is a lease-bound key
// under PrefixLease that disappears when the node stops renewing it.
type EtcdClusterService struct {
	mu        sync.RWMutex
	client    *clientv3.Client
	endpoints []string
	ls        log_service.LogService

	// Local identity
	selfNode cluster.ClusterNode
	leaseID  clientv3.LeaseID

	configCache   map[string]cluster.ClusterNode
	livenessCache map[string]cluster.NodeLiveness

	watchCallbacks []func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewEtcdClusterService(endpoints []string, ls log_service.LogService) *EtcdClusterService {
	return &EtcdClusterService{
		endpoints:     endpoints,
		ls:            ls,
		configCache:   make(map[string]cluster.ClusterNode),
		livenessCache: make(map[string]cluster.NodeLiveness),
		stopCh:        make(chan struct{}),
	}
}

func (s *EtcdClusterService) Start(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{Message: "Starting EtcdClusterService", Metadata: map[string]any{"endpoints": s.endpoints}})

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: EtcdDialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s.client = cli

	if err := s.syncState(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.watchLoop()

	return nil
}

func (s *EtcdClusterService) Stop(ctx context.Context) error {
	if s.client == nil {
		return nil
	}

	var err error
	s.stopOnce.Do(func() {
		s.ls.Info(log_service.LogEvent{Message: "Stopping EtcdClusterService"})
		close(s.stopCh)

		if s.leaseID != 0 {
			if _, rerr := s.client.Revoke(ctx, s.leaseID); rerr != nil {
				s.ls.Warn(log_service.LogEvent{Message: "Failed to revoke lease during shutdown", Metadata: map[string]any{"error": rerr.Error()}})
			}
		}

		s.wg.Wait()
		err = s.client.Close()
	})
	return err
}

func (s *EtcdClusterService) RegisterNode(node cluster.ClusterNode) error {
	if s.client == nil {
		return cluster.ErrNotStarted
	}
	if strings.TrimSpace(node.ID) == "" {
		return cluster.ErrInvalidNodeID
	}
	if strings.TrimSpace(node.Address) == "" {
		return cluster.ErrInvalidNodeAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	cfg, _ := json.Marshal(node)
	if _, err := s.client.Put(ctx, PrefixConfig+node.ID, string(cfg)); err != nil {
		return fmt.Errorf("failed to put node config: %w", err)
	}
	s.configCache[node.ID] = node
	s.selfNode = node

	resp, err := s.client.Grant(ctx, LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	s.leaseID = resp.ID

	liveness := cluster.NodeLiveness{
		NodeID:        node.ID,
		Status:        cluster.NodeStatusAlive,
		LeaseID:       int64(s.leaseID),
		LastRenewedAt: time.Now(),
	}
	val, _ := json.Marshal(liveness)

	if _, err := s.client.Put(ctx, PrefixLease+node.ID, string(val), clientv3.WithLease(s.leaseID)); err != nil {
		return fmt.Errorf("failed to put liveness key: %w", err)
	}
	s.livenessCache[node.ID] = liveness

	s.ls.Info(log_service.LogEvent{
		Message:  "Node Registered in Cluster",
		Metadata: map[string]any{"id": node.ID, "role": node.Role, "leaseID": int64(s.leaseID)},
	})

	s.wg.Add(1)
	go s.heartbeatLoop(s.leaseID)

	return nil
}

// DeregisterNode removes a node's identity. Its liveness key goes with
// its lease.
func (s *EtcdClusterService) DeregisterNode(id string) error {
	if s.client == nil {
		return cluster.ErrNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	resp, err := s.client.Delete(ctx, PrefixConfig+id)
	if err != nil {
		return fmt.Errorf("failed to delete node config: %w", err)
	}
	if resp.Deleted == 0 {
		return cluster.ErrNodeNotFound
	}

	s.mu.Lock()
	if s.selfNode.ID == id && s.leaseID != 0 {
		if _, err := s.client.Revoke(ctx, s.leaseID); err != nil {
			s.ls.Warn(log_service.LogEvent{Message: "Failed to revoke own lease", Metadata: map[string]any{"error": err.Error()}})
		}
		s.leaseID = 0
	}
	s.mu.Unlock()
	return nil
}

func (s *EtcdClusterService) heartbeatLoop(leaseID clientv3.LeaseID) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.client.KeepAlive(ctx, leaseID)
	if err != nil {
		s.ls.Error(log_service.LogEvent{Message: "Failed to start keepalive channel", Metadata: map[string]any{"error": err.Error()}})
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				s.ls.Error(log_service.LogEvent{Message: "Etcd keepalive channel closed unexpectedly", Metadata: map[string]any{"leaseID": int64(leaseID)}})
				return
			}
		}
	}
}

func (s *EtcdClusterService) syncState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	respCfg, err := s.client.Get(ctx, PrefixConfig, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range respCfg.Kvs {
		var n cluster.ClusterNode
		if err := json.Unmarshal(kv.Value, &n); err == nil {
			s.configCache[n.ID] = n
		}
	}

	respLease, err := s.client.Get(ctx, PrefixLease, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range respLease.Kvs {
		var l cluster.NodeLiveness
		if err := json.Unmarshal(kv.Value, &l); err == nil {
			s.livenessCache[l.NodeID] = l
		}
	}

	return nil
}

func (s *EtcdClusterService) watchLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCh := s.client.Watch(ctx, PrefixRoot, clientv3.WithPrefix())

	for {
		select {
		case <-s.stopCh:
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				s.ls.Warn(log_service.LogEvent{Message: "Etcd watch error", Metadata: map[string]any{"error": err.Error()}})
				continue
			}
			for _, ev := range resp.Events {
				s.handleEvent(ev)
			}
		}
	}
}

func (s *EtcdClusterService) handleEvent(ev *clientv3.Event) {
	key := string(ev.Kv.Key)

	s.mu.Lock()
	switch {
	case strings.HasPrefix(key, PrefixConfig):
		id := strings.TrimPrefix(key, PrefixConfig)
		if ev.Type == clientv3.EventTypePut {
			var n cluster.ClusterNode
			if err := json.Unmarshal(ev.Kv.Value, &n); err == nil {
				s.configCache[n.ID] = n
			}
		} else if ev.Type == clientv3.EventTypeDelete {
			delete(s.configCache, id)
		}
	case strings.HasPrefix(key, PrefixLease):
		id := strings.TrimPrefix(key, PrefixLease)
		if ev.Type == clientv3.EventTypePut {
			var l cluster.NodeLiveness
			if err := json.Unmarshal(ev.Kv.Value, &l); err == nil {
				s.livenessCache[l.NodeID] = l
			}
		} else if ev.Type == clientv3.EventTypeDelete {
			if entry, ok := s.livenessCache[id]; ok {
				entry.Status = cluster.NodeStatusDown
				s.livenessCache[id] = entry
			}
		}
	}
	s.mu.Unlock()

	s.notifyWatchers()
}

func (s *EtcdClusterService) notifyWatchers() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.watchCallbacks {
		go cb()
	}
}

func (s *EtcdClusterService) Watch(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCallbacks = append(s.watchCallbacks, callback)
}

func (s *EtcdClusterService) GetHealthyNodes() ([]cluster.SafeNode, error) {
	all, err := s.GetAllNodes()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(n cluster.SafeNode) bool {
		return n.Status != cluster.NodeStatusAlive
	}), nil
}

func (s *EtcdClusterService) GetAllNodes() ([]cluster.SafeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]cluster.SafeNode, 0, len(s.configCache))
	for id, cfg := range s.configCache {
		status := cluster.NodeStatusDown
		if l, ok := s.livenessCache[id]; ok {
			status = l.Status
		}

		nodes = append(nodes, cluster.SafeNode{
			ID:       cfg.ID,
			Address:  cfg.Address,
			Role:     cfg.Role,
			Status:   status,
			Metadata: cfg.Metadata,
		})
	}
	slices.SortFunc(nodes, func(a, b cluster.SafeNode) int {
		return strings.Compare(a.ID, b.ID)
	})
	return nodes, nil
}

var _ cluster.ClusterService = (*EtcdClusterService)(nil)

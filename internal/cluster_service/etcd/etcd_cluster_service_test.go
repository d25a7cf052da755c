package etcd

import (
	"encoding/json"
	"errors"
	"testing"

	cluster "github.com/AnishMulay/sandgate/internal/cluster_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func putEvent(t *testing.T, key string, v any) *clientv3.Event {
	t.Helper()
	val, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return &clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: val}}
}

func deleteEvent(key string) *clientv3.Event {
	return &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestEtcdClusterService_HandleEvent(t *testing.T) {
	s := NewEtcdClusterService([]string{"localhost:2379"}, log_service.NopLogService{})

	node := cluster.ClusterNode{ID: "pool-a", Address: "localhost:9101", Role: cluster.RoleBackend}
	liveness := cluster.NodeLiveness{NodeID: "pool-a", Status: cluster.NodeStatusAlive, LeaseID: 7}

	steps := []struct {
		name        string
		event       *clientv3.Event
		wantAll     int
		wantHealthy int
	}{
		{name: "config put", event: putEvent(t, PrefixConfig+"pool-a", node), wantAll: 1, wantHealthy: 0},
		{name: "lease put", event: putEvent(t, PrefixLease+"pool-a", liveness), wantAll: 1, wantHealthy: 1},
		{name: "lease expired", event: deleteEvent(PrefixLease + "pool-a"), wantAll: 1, wantHealthy: 0},
		{name: "lease renewed", event: putEvent(t, PrefixLease+"pool-a", liveness), wantAll: 1, wantHealthy: 1},
		{name: "config deleted", event: deleteEvent(PrefixConfig + "pool-a"), wantAll: 0, wantHealthy: 0},
		{name: "unrelated key", event: putEvent(t, PrefixRoot+"other/x", "v"), wantAll: 0, wantHealthy: 0},
	}

	for _, step := range steps {
		s.handleEvent(step.event)

		all, _ := s.GetAllNodes()
		healthy, _ := s.GetHealthyNodes()
		if len(all) != step.wantAll || len(healthy) != step.wantHealthy {
			t.Fatalf("%s: all=%d healthy=%d, want %d/%d", step.name, len(all), len(healthy), step.wantAll, step.wantHealthy)
		}
		if len(healthy) == 1 && healthy[0].Role != cluster.RoleBackend {
			t.Errorf("%s: healthy node role = %q", step.name, healthy[0].Role)
		}
	}
}

func TestEtcdClusterService_NotStarted(t *testing.T) {
	s := NewEtcdClusterService([]string{"localhost:2379"}, log_service.NopLogService{})

	if err := s.RegisterNode(cluster.ClusterNode{ID: "gw-1", Address: "localhost:9000"}); !errors.Is(err, cluster.ErrNotStarted) {
		t.Errorf("RegisterNode() error = %v, want %v", err, cluster.ErrNotStarted)
	}
	if err := s.DeregisterNode("gw-1"); !errors.Is(err, cluster.ErrNotStarted) {
		t.Errorf("DeregisterNode() error = %v, want %v", err, cluster.ErrNotStarted)
	}
	if err := s.Stop(t.Context()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

package pool_selector

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	cluster "github.com/AnishMulay/sandgate/internal/cluster_service"
	"github.com/AnishMulay/sandgate/internal/cluster_service/inmemory"
	"github.com/AnishMulay/sandgate/internal/communication"
	"github.com/AnishMulay/sandgate/internal/layout_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
)

type sentMessage struct {
	to  string
	msg communication.Message
}

type fakeCommunicator struct {
	mu   sync.Mutex
	sent []sentMessage
	code communication.SandCode
	err  error
}

func (f *fakeCommunicator) Start(communication.MessageHandler) error { return nil }
func (f *fakeCommunicator) Stop() error                              { return nil }
func (f *fakeCommunicator) Address() string                          { return "gw:9000" }
func (f *fakeCommunicator) RegisterPayloadType(string, reflect.Type) {}

func (f *fakeCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	if f.err != nil {
		return nil, f.err
	}
	code := f.code
	if code == "" {
		code = communication.CodeOK
	}
	return &communication.Response{Code: code}, nil
}

func newTestSelector(comm *fakeCommunicator, nodes ...cluster.ClusterNode) *PoolSelector {
	ls := log_service.NopLogService{}
	cs := inmemory.NewInMemoryClusterService(nodes, ls)
	p := NewPoolSelector(cs, comm, "gw:9000", 0, ls)
	p.intn = func(int) int { return 0 }
	return p
}

var testRequest = layout_service.SessionRequest{Token: "tok-1", Handle: "file-1", Intent: layout_service.IntentReadWrite}

func TestPoolSelector_StartAndEndSession(t *testing.T) {
	comm := &fakeCommunicator{}
	p := newTestSelector(comm,
		cluster.ClusterNode{ID: "gw-1", Address: "gw:9000", Role: cluster.RoleGateway},
		cluster.ClusterNode{ID: "pool-a", Address: "pool-a:9101", Role: cluster.RoleBackend},
	)

	if err := p.StartSession(context.Background(), testRequest); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := p.EndSession(context.Background(), "tok-1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	if len(comm.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(comm.sent))
	}

	start, ok := comm.sent[0].msg.Payload.(communication.StartSessionRequest)
	if !ok || comm.sent[0].to != "pool-a:9101" || comm.sent[0].msg.Type != communication.MessageTypeStartSession {
		t.Fatalf("first message = %+v", comm.sent[0])
	}
	if start.Token != "tok-1" || start.Intent != "readwrite" || start.ReplyTo != "gw:9000" || start.SessionID == "" {
		t.Errorf("start payload = %+v", start)
	}

	end, ok := comm.sent[1].msg.Payload.(communication.EndSessionRequest)
	if !ok || end.SessionID != start.SessionID {
		t.Errorf("end payload = %+v, want session %s", comm.sent[1].msg.Payload, start.SessionID)
	}

	if err := p.EndSession(context.Background(), "tok-1"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second EndSession() error = %v, want %v", err, ErrUnknownSession)
	}
}

func TestPoolSelector_StartSessionErrors(t *testing.T) {
	backend := cluster.ClusterNode{ID: "pool-a", Address: "pool-a:9101", Role: cluster.RoleBackend}

	tests := []struct {
		name    string
		comm    *fakeCommunicator
		nodes   []cluster.ClusterNode
		wantErr error
	}{
		{name: "no backends", comm: &fakeCommunicator{}, wantErr: ErrNoHealthyBackends},
		{name: "backend rejects", comm: &fakeCommunicator{code: communication.CodeUnavailable}, nodes: []cluster.ClusterNode{backend}, wantErr: ErrSessionRejected},
		{name: "transport error", comm: &fakeCommunicator{err: communication.ErrConnectionFailed}, nodes: []cluster.ClusterNode{backend}, wantErr: communication.ErrConnectionFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestSelector(tc.comm, tc.nodes...)
			if err := p.StartSession(context.Background(), testRequest); !errors.Is(err, tc.wantErr) {
				t.Fatalf("StartSession() error = %v, want %v", err, tc.wantErr)
			}
			if err := p.EndSession(context.Background(), "tok-1"); !errors.Is(err, ErrUnknownSession) {
				t.Errorf("EndSession() after failed start error = %v, want %v", err, ErrUnknownSession)
			}
		})
	}
}

func TestPoolSelector_SkipsUnhealthyBackends(t *testing.T) {
	comm := &fakeCommunicator{}
	ls := log_service.NopLogService{}
	cs := inmemory.NewInMemoryClusterService([]cluster.ClusterNode{
		{ID: "pool-a", Address: "pool-a:9101", Role: cluster.RoleBackend},
		{ID: "pool-b", Address: "pool-b:9102", Role: cluster.RoleBackend},
	}, ls)
	_ = cs.SetStatus("pool-a", cluster.NodeStatusDown)

	p := NewPoolSelector(cs, comm, "gw:9000", 0, ls)
	for i := 0; i < 10; i++ {
		req := testRequest
		req.Token = string(rune('a' + i))
		if err := p.StartSession(context.Background(), req); err != nil {
			t.Fatalf("StartSession() error = %v", err)
		}
	}
	for _, s := range comm.sent {
		if s.to != "pool-b:9102" {
			t.Errorf("session sent to %s", s.to)
		}
	}
}

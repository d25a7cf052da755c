package sandlib

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/AnishMulay/sandgate/internal/communication"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/layout_service"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

// scriptedCommunicator answers each Send with the next queued response.
type scriptedCommunicator struct {
	mu        sync.Mutex
	responses []*communication.Response
	sent      []communication.Message
}

func (s *scriptedCommunicator) Start(communication.MessageHandler) error { return nil }
func (s *scriptedCommunicator) Stop() error                              { return nil }
func (s *scriptedCommunicator) Address() string                          { return "client:0" }
func (s *scriptedCommunicator) RegisterPayloadType(string, reflect.Type) {}

func (s *scriptedCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func okJSON(t *testing.T, v any) *communication.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &communication.Response{Code: communication.CodeOK, Body: body}
}

func delay() *communication.Response {
	return &communication.Response{Code: communication.CodeDelay, Body: []byte("retry")}
}

func newTestClient(comm *scriptedCommunicator) *GatewayClient {
	c := NewGatewayClient("gw:9000", comm)
	c.DelayBackoff = 0
	return c
}

func TestLayoutGet_RetriesOnDelay(t *testing.T) {
	want := layout_service.Layout{DeviceId: 3, Handle: "file-1", Intent: tt.IntentRead, Length: layout_service.LengthWholeFile, Type: layout_service.LayoutTypeFiles, ReturnOnClose: true}
	comm := &scriptedCommunicator{responses: []*communication.Response{delay(), delay(), okJSON(t, want)}}
	c := newTestClient(comm)

	got, err := c.LayoutGet(context.Background(), "file-1", tt.IntentRead, "tok-1")
	if err != nil {
		t.Fatalf("LayoutGet() error = %v", err)
	}
	if got != want {
		t.Fatalf("LayoutGet() = %+v, want %+v", got, want)
	}
	if len(comm.sent) != 3 {
		t.Fatalf("sent %d requests, want 3", len(comm.sent))
	}
	for _, msg := range comm.sent {
		req := msg.Payload.(communication.LayoutGetRequest)
		if req.Token != "tok-1" || req.Intent != "read" {
			t.Fatalf("request = %+v", req)
		}
	}
}

func TestLayoutGet_GivesUpAfterRetries(t *testing.T) {
	comm := &scriptedCommunicator{responses: []*communication.Response{delay(), delay()}}
	c := newTestClient(comm)
	c.DelayRetries = 1

	_, err := c.LayoutGet(context.Background(), "file-1", tt.IntentReadWrite, "tok-1")
	if !errors.Is(err, ErrDelay) {
		t.Fatalf("LayoutGet() error = %v, want ErrDelay", err)
	}
	if len(comm.sent) != 2 {
		t.Fatalf("sent %d requests, want 2", len(comm.sent))
	}
}

func TestResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		code communication.SandCode
		want error
	}{
		{"not found", communication.CodeNotFound, ErrNotFound},
		{"bad request", communication.CodeBadRequest, ErrBadRequest},
		{"delay", communication.CodeDelay, ErrDelay},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			comm := &scriptedCommunicator{responses: []*communication.Response{{Code: tc.code}}}
			c := newTestClient(comm)
			c.DelayRetries = 0

			_, err := c.GetDeviceInfo(context.Background(), 7)
			if !errors.Is(err, tc.want) {
				t.Fatalf("GetDeviceInfo() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAdminCalls(t *testing.T) {
	mapping := dr.DeviceMapping{DeviceId: 1, BackendName: "pool-a", Addresses: []string{"10.0.0.1:2049"}}
	transfers := []tt.TransferInfo{{Token: "tok-1", Handle: "file-1", Intent: "read", State: "GRANTED"}}
	comm := &scriptedCommunicator{responses: []*communication.Response{
		okJSON(t, mapping),
		okJSON(t, []dr.DeviceId{0, 1}),
		okJSON(t, transfers),
		{Code: communication.CodeOK},
	}}
	c := newTestClient(comm)
	ctx := context.Background()

	gotMapping, err := c.GetDeviceInfo(ctx, 1)
	if err != nil || gotMapping.BackendName != "pool-a" || len(gotMapping.Addresses) != 1 {
		t.Fatalf("GetDeviceInfo() = %+v, %v", gotMapping, err)
	}

	ids, err := c.GetDeviceList(ctx)
	if err != nil || !reflect.DeepEqual(ids, []dr.DeviceId{0, 1}) {
		t.Fatalf("GetDeviceList() = %v, %v", ids, err)
	}

	gotTransfers, err := c.ListTransfers(ctx)
	if err != nil || len(gotTransfers) != 1 || gotTransfers[0].Token != "tok-1" {
		t.Fatalf("ListTransfers() = %+v, %v", gotTransfers, err)
	}

	if err := c.LayoutReturn(ctx, "tok-1"); err != nil {
		t.Fatalf("LayoutReturn() error = %v", err)
	}
}

func TestClientRequiresServer(t *testing.T) {
	var nilClient *GatewayClient
	if _, err := nilClient.GetDeviceList(context.Background()); err == nil {
		t.Fatal("nil client: expected error")
	}
	c := NewGatewayClient("", &scriptedCommunicator{})
	if err := c.LayoutReturn(context.Background(), "tok"); err == nil {
		t.Fatal("empty address: expected error")
	}
}

package httpcomm

import (
	"context"
	"testing"

	"github.com/AnishMulay/sandgate/internal/communication"
	"github.com/AnishMulay/sandgate/internal/log_service"
)

func TestHTTPCommunicator_CodesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		code communication.SandCode
	}{
		{name: "ok", code: communication.CodeOK},
		{name: "delay", code: communication.CodeDelay},
		{name: "not found", code: communication.CodeNotFound},
		{name: "unavailable", code: communication.CodeUnavailable},
		{name: "internal", code: communication.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotToken, gotLocal string
			server := NewHTTPCommunicator("127.0.0.1:0", log_service.NopLogService{})
			if err := server.Start(func(ctx context.Context, msg communication.Message) (*communication.Response, error) {
				gotToken = msg.Payload.(communication.LayoutReturnRequest).Token
				gotLocal, _ = communication.LocalAddressFromContext(ctx)
				return &communication.Response{Code: tt.code, Body: []byte("body")}, nil
			}); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer server.Stop()

			client := NewHTTPCommunicator("127.0.0.1:0", log_service.NopLogService{})
			resp, err := client.Send(context.Background(), server.Address(), communication.Message{
				Type:    communication.MessageTypeLayoutReturn,
				Payload: communication.LayoutReturnRequest{Token: "tok-1"},
			})
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if resp.Code != tt.code {
				t.Errorf("Send() code = %v, want %v", resp.Code, tt.code)
			}
			if gotToken != "tok-1" {
				t.Errorf("handler saw token %q, want tok-1", gotToken)
			}
			if gotLocal != server.Address() {
				t.Errorf("local address = %q, want %q", gotLocal, server.Address())
			}
		})
	}
}

package grpccomm

import (
	"context"
	"net"
	"reflect"
	"sync"

	"github.com/AnishMulay/sandgate/internal/communication"
	"github.com/AnishMulay/sandgate/internal/log_service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
)

type GRPCCommunicator struct {
	listenAddress string
	handler       communication.MessageHandler
	grpcServer    *grpc.Server
	ls            log_service.LogService
	payloads      *communication.PayloadRegistry

	clientLock sync.RWMutex
	clients    map[string]*grpc.ClientConn

	stopped   bool
	stopMutex sync.RWMutex
}

func NewGRPCCommunicator(addr string, ls log_service.LogService) *GRPCCommunicator {
	return &GRPCCommunicator{
		listenAddress: addr,
		ls:            ls,
		payloads:      communication.NewPayloadRegistry(),
		clients:       make(map[string]*grpc.ClientConn),
	}
}

// Address is the bound listen address once Start has run, so ":0" resolves
// to the real port.
func (c *GRPCCommunicator) Address() string {
	c.stopMutex.RLock()
	defer c.stopMutex.RUnlock()
	return c.listenAddress
}

func (c *GRPCCommunicator) RegisterPayloadType(messageType string, payloadType reflect.Type) {
	c.payloads.Register(messageType, payloadType)
}

func (c *GRPCCommunicator) Start(handler communication.MessageHandler) error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return communication.ErrGRPCListenFailed
	}

	c.stopMutex.Lock()
	c.handler = handler
	c.listenAddress = lis.Addr().String()
	c.grpcServer = grpc.NewServer()
	c.grpcServer.RegisterService(&messageServiceDesc, &grpcServer{comm: c})
	srv := c.grpcServer
	c.stopMutex.Unlock()

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator started successfully",
		Metadata: map[string]any{"address": lis.Addr().String()},
	})

	go func() {
		if err := srv.Serve(lis); err != nil {
			c.ls.Error(log_service.LogEvent{
				Message:  "GRPC server error",
				Metadata: map[string]any{"address": lis.Addr().String(), "error": err.Error()},
			})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.stopMutex.Lock()
	if c.stopped {
		c.stopMutex.Unlock()
		c.ls.Debug(log_service.LogEvent{
			Message:  "GRPC communicator already stopped, skipping",
			Metadata: map[string]any{"address": c.listenAddress},
		})
		return nil
	}
	c.stopped = true
	srv := c.grpcServer
	addr := c.listenAddress
	c.stopMutex.Unlock()

	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC communicator",
		Metadata: map[string]any{"address": addr},
	})

	// in-flight handlers may still read communicator state
	if srv != nil {
		srv.GracefulStop()
	}

	c.clientLock.Lock()
	for to, conn := range c.clients {
		if err := conn.Close(); err != nil {
			c.ls.Warn(log_service.LogEvent{
				Message:  "Failed to close GRPC client",
				Metadata: map[string]any{"to": to, "error": err.Error()},
			})
		}
	}
	c.clients = make(map[string]*grpc.ClientConn)
	c.clientLock.Unlock()

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator stopped successfully",
		Metadata: map[string]any{"address": addr},
	})

	return nil
}

func (c *GRPCCommunicator) client(to string) (*grpc.ClientConn, error) {
	c.clientLock.RLock()
	conn, ok := c.clients[to]
	c.clientLock.RUnlock()
	if ok {
		return conn, nil
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	if conn, ok := c.clients[to]; ok {
		return conn, nil
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "Creating new GRPC client",
		Metadata: map[string]any{"to": to},
	})

	conn, err := grpc.NewClient(to,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to create GRPC client",
			Metadata: map[string]any{"to": to, "error": err.Error()},
		})
		return nil, communication.ErrClientCreateFailed
	}
	c.clients[to] = conn
	return conn, nil
}

func (c *GRPCCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	c.ls.Debug(log_service.LogEvent{
		Message:  "Sending GRPC message",
		Metadata: map[string]any{"to": to, "type": msg.Type, "from": msg.From},
	})

	conn, err := c.client(to)
	if err != nil {
		return nil, err
	}

	payload, err := communication.EncodePayload(msg.Payload)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to marshal payload",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, err
	}

	req := &messageRequest{
		From:    msg.From,
		Type:    msg.Type,
		Payload: payload,
	}
	resp := new(messageResponse)

	if err := conn.Invoke(ctx, sendMessageMethod, req, resp); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to send GRPC message",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, communication.ErrMessageSendFailed
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "GRPC message sent successfully",
		Metadata: map[string]any{"to": to, "type": msg.Type, "responseCode": resp.Code},
	})

	return &communication.Response{
		Code:    communication.SandCode(resp.Code),
		Body:    resp.Body,
		Headers: resp.Headers,
	}, nil
}

type grpcServer struct {
	comm *GRPCCommunicator
}

func (s *grpcServer) SendMessage(ctx context.Context, req *messageRequest) (*messageResponse, error) {
	s.comm.stopMutex.RLock()
	handler := s.comm.handler
	s.comm.stopMutex.RUnlock()

	if handler == nil {
		return nil, communication.ErrHandlerNotSet
	}

	payload, err := s.comm.payloads.Decode(req.Type, req.Payload)
	if err != nil {
		s.comm.ls.Warn(log_service.LogEvent{
			Message:  "Rejecting message with undecodable payload",
			Metadata: map[string]any{"type": req.Type, "from": req.From, "error": err.Error()},
		})
		return &messageResponse{
			Code: string(communication.CodeBadRequest),
			Body: []byte(err.Error()),
		}, nil
	}

	if p, ok := peer.FromContext(ctx); ok {
		ctx = communication.WithLocalAddress(ctx, p.LocalAddr)
	}

	msg := communication.Message{
		From:    req.From,
		Type:    req.Type,
		Payload: payload,
	}

	resp, err := handler(ctx, msg)
	if err != nil {
		s.comm.ls.Error(log_service.LogEvent{
			Message:  "Message handler failed",
			Metadata: map[string]any{"type": req.Type, "error": err.Error()},
		})

		return &messageResponse{
			Code: string(communication.CodeInternal),
			Body: []byte(err.Error()),
		}, nil
	}

	if resp == nil {
		return &messageResponse{
			Code: string(communication.CodeInternal),
			Body: []byte("handler returned nil response"),
		}, nil
	}

	return &messageResponse{
		Code:    string(resp.Code),
		Body:    resp.Body,
		Headers: resp.Headers,
	}, nil
}

var _ communication.Communicator = (*GRPCCommunicator)(nil)

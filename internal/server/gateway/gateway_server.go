package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/AnishMulay/sandgate/internal/communication"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/layout_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
	"github.com/AnishMulay/sandgate/internal/namespace"
	ps "github.com/AnishMulay/sandgate/internal/server"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

// SessionForgetter drops selector bookkeeping for a finished session.
type SessionForgetter interface {
	Forget(token string)
}

type Options struct {
	MetricsAddress     string
	PendingTransferTTL time.Duration
	JanitorInterval    time.Duration
}

// GatewayServer routes protocol requests and backend notifications to the
// layout coordinator.
type GatewayServer struct {
	comm     communication.Communicator
	layouts  layout_service.LayoutService
	sessions SessionForgetter
	ls       log_service.LogService
	opts     Options

	metrics *metricsServer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGatewayServer(
	comm communication.Communicator,
	layouts layout_service.LayoutService,
	sessions SessionForgetter,
	ls log_service.LogService,
	opts Options,
) *GatewayServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &GatewayServer{
		comm:     comm,
		layouts:  layouts,
		sessions: sessions,
		ls:       ls,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *GatewayServer) Start() error {
	s.ls.Info(log_service.LogEvent{Message: "Starting gateway server"})

	s.registerPayloads()

	if err := s.comm.Start(s.handleMessage); err != nil {
		return fmt.Errorf("%w: %w", ps.ErrServerStartFailed, err)
	}

	if s.opts.MetricsAddress != "" {
		s.metrics = newMetricsServer(s.opts.MetricsAddress, s.ls)
		if err := s.metrics.Start(); err != nil {
			_ = s.comm.Stop()
			return fmt.Errorf("%w: %w", ps.ErrServerStartFailed, err)
		}
	}

	if s.opts.JanitorInterval > 0 && s.opts.PendingTransferTTL > 0 {
		s.wg.Add(1)
		go s.janitor()
	}

	s.ls.Info(log_service.LogEvent{
		Message:  "Gateway server started",
		Metadata: map[string]any{"address": s.comm.Address(), "metrics": s.opts.MetricsAddress},
	})
	return nil
}

func (s *GatewayServer) Stop() error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping gateway server"})
	s.cancel()
	s.wg.Wait()

	if s.metrics != nil {
		if err := s.metrics.Stop(context.Background()); err != nil {
			s.ls.Warn(log_service.LogEvent{Message: "Failed to stop metrics server", Metadata: map[string]any{"error": err.Error()}})
		}
	}
	if err := s.comm.Stop(); err != nil {
		return fmt.Errorf("%w: %w", ps.ErrServerStopFailed, err)
	}
	return nil
}

// MetricsAddress is the bound metrics endpoint, or "" when disabled.
func (s *GatewayServer) MetricsAddress() string {
	if s.metrics == nil {
		return ""
	}
	return s.metrics.address
}

func (s *GatewayServer) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.layouts.ExpireStale(s.ctx, s.opts.PendingTransferTTL); n > 0 {
				s.ls.Info(log_service.LogEvent{
					Message:  "Expired stale transfers",
					Metadata: map[string]any{"count": n},
				})
			}
		}
	}
}

func (s *GatewayServer) registerPayloads() {
	// Protocol and admin
	s.comm.RegisterPayloadType(communication.MessageTypeLayoutGet, reflect.TypeOf(communication.LayoutGetRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeLayoutReturn, reflect.TypeOf(communication.LayoutReturnRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeGetDeviceInfo, reflect.TypeOf(communication.GetDeviceInfoRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeGetDeviceList, reflect.TypeOf(communication.GetDeviceListRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeListTransfers, reflect.TypeOf(communication.ListTransfersRequest{}))

	// Backend notifications
	s.comm.RegisterPayloadType(communication.MessageTypeSessionReady, reflect.TypeOf(communication.SessionReadyRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeSessionFailed, reflect.TypeOf(communication.SessionFailedRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeSessionStopped, reflect.TypeOf(communication.SessionStoppedRequest{}))
	s.comm.RegisterPayloadType(communication.MessageTypeSessionFinished, reflect.TypeOf(communication.SessionFinishedRequest{}))
}

func payload[T any](msg communication.Message) (T, error) {
	var zero T
	switch p := msg.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	case nil:
		return zero, nil
	}
	return zero, fmt.Errorf("%w: %s carries %T", ps.ErrInvalidPayloadType, msg.Type, msg.Payload)
}

// handleMessage is the central router for all incoming messages.
func (s *GatewayServer) handleMessage(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	if addr, ok := communication.LocalAddressFromContext(ctx); ok {
		ctx = layout_service.WithServerAddress(ctx, addr)
	}

	switch msg.Type {
	case communication.MessageTypeLayoutGet:
		req, err := payload[communication.LayoutGetRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		intent, err := tt.ParseIntent(req.Intent)
		if err != nil {
			return s.respond(nil, fmt.Errorf("%w: %w", layout_service.ErrInvalidRequest, err))
		}
		layout, err := s.layouts.LayoutGet(ctx, req.Handle, intent, req.Token)
		return s.respond(layout, err)

	case communication.MessageTypeLayoutReturn:
		req, err := payload[communication.LayoutReturnRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, s.layouts.LayoutReturn(ctx, req.Token))

	case communication.MessageTypeGetDeviceInfo:
		req, err := payload[communication.GetDeviceInfoRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		mapping, err := s.layouts.GetDeviceInfo(ctx, dr.DeviceId(req.DeviceId))
		return s.respond(mapping, err)

	case communication.MessageTypeGetDeviceList:
		return s.respond(s.layouts.GetDeviceList(ctx), nil)

	case communication.MessageTypeListTransfers:
		return s.respond(s.layouts.ListTransfers(ctx), nil)

	case communication.MessageTypeSessionReady:
		req, err := payload[communication.SessionReadyRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, s.layouts.OnSessionReady(ctx, req.Token, req.Backend, req.Addresses))

	case communication.MessageTypeSessionFailed:
		req, err := payload[communication.SessionFailedRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		s.forget(req.Token)
		return s.respond(nil, s.layouts.OnSessionFailed(ctx, req.Token, req.Backend, req.Reason))

	case communication.MessageTypeSessionStopped:
		req, err := payload[communication.SessionStoppedRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(nil, s.layouts.OnSessionStopped(ctx, req.Token, req.Backend))

	case communication.MessageTypeSessionFinished:
		req, err := payload[communication.SessionFinishedRequest](msg)
		if err != nil {
			return s.respond(nil, err)
		}
		s.forget(req.Token)
		outcome := layout_service.SessionOutcome{
			Backend:          req.Backend,
			Failed:           req.Outcome == "failed",
			BytesTransferred: req.BytesTransferred,
			Error:            req.Error,
		}
		return s.respond(nil, s.layouts.OnSessionFinished(ctx, req.Token, outcome))

	default:
		return &communication.Response{
			Code: communication.CodeBadRequest,
			Body: []byte("unknown message type: " + msg.Type),
		}, nil
	}
}

func (s *GatewayServer) forget(token string) {
	if s.sessions != nil {
		s.sessions.Forget(token)
	}
}

// codeFor maps coordinator errors onto response codes.
func codeFor(err error) communication.SandCode {
	switch {
	case layout_service.IsRetryable(err):
		return communication.CodeDelay
	case errors.Is(err, layout_service.ErrUnknownDevice),
		errors.Is(err, namespace.ErrNotFound):
		return communication.CodeNotFound
	case errors.Is(err, layout_service.ErrInvalidRequest),
		errors.Is(err, layout_service.ErrTokenConflict),
		errors.Is(err, layout_service.ErrProtocolViolation),
		errors.Is(err, ps.ErrInvalidPayloadType):
		return communication.CodeBadRequest
	default:
		return communication.CodeInternal
	}
}

// respond standardizes JSON responses and error codes.
func (s *GatewayServer) respond(data any, err error) (*communication.Response, error) {
	if err != nil {
		code := codeFor(err)
		if code == communication.CodeInternal {
			s.ls.Error(log_service.LogEvent{Message: "Request failed", Metadata: map[string]any{"error": err.Error()}})
		}
		return &communication.Response{
			Code: code,
			Body: []byte(err.Error()),
		}, nil
	}

	if data == nil {
		return &communication.Response{Code: communication.CodeOK}, nil
	}

	bytes, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return &communication.Response{
			Code: communication.CodeInternal,
			Body: []byte("failed to marshal response: " + marshalErr.Error()),
		}, nil
	}

	return &communication.Response{
		Code: communication.CodeOK,
		Body: bytes,
	}, nil
}

var _ ps.Server = (*GatewayServer)(nil)

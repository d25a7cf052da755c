// Package pool_selector chooses a backend for every layout request and
// drives the mover session on it over the gateway's communicator.
// Backends answer asynchronously with session_* messages addressed to
// the gateway.
package pool_selector

import (
	"context"
	"fmt"
	"sync"
	"time"

	cluster "github.com/AnishMulay/sandgate/internal/cluster_service"
	"github.com/AnishMulay/sandgate/internal/communication"
	"github.com/AnishMulay/sandgate/internal/layout_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
	"github.com/google/uuid"
	"golang.org/x/exp/rand"
)

const DefaultCallTimeout = 2 * time.Second

type session struct {
	id      string
	backend cluster.SafeNode
	started time.Time
}

type PoolSelector struct {
	cluster cluster.ClusterService
	comm    communication.Communicator
	ls      log_service.LogService

	// replyTo is where backends send session notifications; empty means
	// the communicator's own address
	replyTo     string
	callTimeout time.Duration

	sessions sync.Map // token -> *session

	intn func(n int) int
}

func NewPoolSelector(cs cluster.ClusterService, comm communication.Communicator, replyTo string, callTimeout time.Duration, ls log_service.LogService) *PoolSelector {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &PoolSelector{
		cluster:     cs,
		comm:        comm,
		ls:          ls,
		replyTo:     replyTo,
		callTimeout: callTimeout,
		intn:        rand.Intn,
	}
}

func (p *PoolSelector) replyAddress() string {
	if p.replyTo != "" {
		return p.replyTo
	}
	return p.comm.Address()
}

func (p *PoolSelector) pickBackend() (cluster.SafeNode, error) {
	nodes, err := p.cluster.GetHealthyNodes()
	if err != nil {
		return cluster.SafeNode{}, fmt.Errorf("listing backends: %w", err)
	}

	backends := cluster.FilterRole(nodes, cluster.RoleBackend)
	if len(backends) == 0 {
		return cluster.SafeNode{}, ErrNoHealthyBackends
	}
	return backends[p.intn(len(backends))], nil
}

func (p *PoolSelector) StartSession(ctx context.Context, req layout_service.SessionRequest) error {
	backend, err := p.pickBackend()
	if err != nil {
		p.ls.Warn(log_service.LogEvent{
			Message:  "No backend for session",
			Metadata: map[string]any{"token": req.Token, "error": err.Error()},
		})
		return err
	}

	s := &session{id: uuid.NewString(), backend: backend, started: time.Now()}
	if _, loaded := p.sessions.LoadOrStore(req.Token, s); loaded {
		return fmt.Errorf("session already started for token %s", req.Token)
	}

	replyTo := p.replyAddress()
	msg := communication.Message{
		From: replyTo,
		Type: communication.MessageTypeStartSession,
		Payload: communication.StartSessionRequest{
			SessionID: s.id,
			Token:     req.Token,
			Handle:    req.Handle,
			Intent:    req.Intent.String(),
			ReplyTo:   replyTo,
		},
	}

	if err := p.send(ctx, backend.Address, msg); err != nil {
		p.sessions.Delete(req.Token)
		p.ls.Warn(log_service.LogEvent{
			Message:  "Failed to start session on backend",
			Metadata: map[string]any{"token": req.Token, "backend": backend.ID, "error": err.Error()},
		})
		return err
	}

	p.ls.Debug(log_service.LogEvent{
		Message:  "Session requested",
		Metadata: map[string]any{"token": req.Token, "session": s.id, "backend": backend.ID},
	})
	return nil
}

func (p *PoolSelector) EndSession(ctx context.Context, token string) error {
	v, ok := p.sessions.LoadAndDelete(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, token)
	}
	s := v.(*session)

	replyTo := p.replyAddress()
	msg := communication.Message{
		From: replyTo,
		Type: communication.MessageTypeEndSession,
		Payload: communication.EndSessionRequest{
			SessionID: s.id,
			Token:     token,
			ReplyTo:   replyTo,
		},
	}
	if err := p.send(ctx, s.backend.Address, msg); err != nil {
		return err
	}

	p.ls.Debug(log_service.LogEvent{
		Message:  "Session end requested",
		Metadata: map[string]any{"token": token, "session": s.id, "backend": s.backend.ID, "age": time.Since(s.started).String()},
	})
	return nil
}

// Forget drops the bookkeeping for token once its session has finished
// on the backend side.
func (p *PoolSelector) Forget(token string) {
	p.sessions.Delete(token)
}

func (p *PoolSelector) send(ctx context.Context, to string, msg communication.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	resp, err := p.comm.Send(ctx, to, msg)
	if err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Type, to, err)
	}
	if resp.Code != communication.CodeOK {
		return fmt.Errorf("%w: %s answered %s: %s", ErrSessionRejected, to, resp.Code, string(resp.Body))
	}
	return nil
}

var _ layout_service.Selector = (*PoolSelector)(nil)

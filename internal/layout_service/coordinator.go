package layout_service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnishMulay/sandgate/internal/accounting"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/log_service"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

// LayoutCoordinator turns layout requests into backend mover sessions and
// hands out device ids for them. Requests for different tokens never wait
// on each other.
type LayoutCoordinator struct {
	registry   dr.DeviceRegistry
	transfers  tt.TransferTable
	selector   Selector
	namespace  NamespaceService
	accounting Accounting
	ls         log_service.LogService
	opts       Options
}

func NewLayoutCoordinator(
	registry dr.DeviceRegistry,
	transfers tt.TransferTable,
	selector Selector,
	namespace NamespaceService,
	acct Accounting,
	ls log_service.LogService,
	opts Options,
) (*LayoutCoordinator, error) {
	if selector == nil {
		return nil, ErrNoSelector
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.GatewayName == "" {
		opts.GatewayName = DefaultOptions().GatewayName
	}

	registerMetrics()
	return &LayoutCoordinator{
		registry:   registry,
		transfers:  transfers,
		selector:   selector,
		namespace:  namespace,
		accounting: acct,
		ls:         ls,
		opts:       opts,
	}, nil
}

func (c *LayoutCoordinator) Options() Options {
	return c.opts
}

func (c *LayoutCoordinator) LayoutGet(ctx context.Context, handle string, intent Intent, token string) (Layout, error) {
	// the whole call, selector included, stays within LayoutGetTimeout
	deadline := time.Now().Add(c.opts.LayoutGetTimeout)

	if strings.TrimSpace(handle) == "" {
		return Layout{}, fmt.Errorf("%w: empty handle", ErrInvalidRequest)
	}
	if intent != IntentRead && intent != IntentReadWrite {
		return Layout{}, fmt.Errorf("%w: unknown intent %d", ErrInvalidRequest, intent)
	}

	obj, err := c.namespace.Resolve(ctx, handle)
	if err != nil {
		layoutGetFailures.WithLabelValues("namespace").Inc()
		c.ls.Warn(log_service.LogEvent{
			Message:  "Failed to resolve handle for layout",
			Metadata: map[string]any{"handle": handle, "error": err.Error()},
		})
		return Layout{}, fmt.Errorf("%w: resolving %s: %w", ErrFatal, handle, err)
	}

	if !obj.IsRegular() {
		layoutsGranted.WithLabelValues("mds").Inc()
		c.ls.Debug(log_service.LogEvent{
			Message:  "Serving non-regular object through the gateway",
			Metadata: map[string]any{"handle": handle, "type": obj.Type.String()},
		})
		return newLayout(dr.MDSDeviceId, handle, intent), nil
	}

	if strings.TrimSpace(token) == "" {
		return Layout{}, fmt.Errorf("%w: empty token", ErrInvalidRequest)
	}

	transfer, loaded, err := c.transfers.RegisterOrGet(token, tt.NewPendingTransfer(token, handle, intent))
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if loaded {
		if transfer.Handle != handle || transfer.Intent != intent {
			return Layout{}, fmt.Errorf("%w: %s", ErrTokenConflict, token)
		}
		c.ls.Debug(log_service.LogEvent{
			Message:  "Layout request joins pending transfer",
			Metadata: map[string]any{"token": token, "state": transfer.State().String()},
		})
	} else if err := c.startSession(ctx, deadline, transfer, obj); err != nil {
		return Layout{}, err
	}

	return c.awaitSession(ctx, deadline, transfer)
}

func (c *LayoutCoordinator) startSession(ctx context.Context, deadline time.Time, transfer *tt.PendingTransfer, obj ObjectInfo) error {
	transfer.CompareAndSwapState(tt.StateRequested, tt.StateAwaitingSession)

	req := SessionRequest{
		Token:  transfer.Token,
		Handle: transfer.Handle,
		Intent: transfer.Intent,
		Object: obj,
	}

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result := callSelectorAsync(func() error { return c.selector.StartSession(callCtx, req) })
	var err error
	select {
	case err = <-result:
	case <-callCtx.Done():
		err = callCtx.Err()
		// a session that comes up after we gave up must not linger
		go func() {
			if <-result == nil {
				_ = callSelector(func() error { return c.selector.EndSession(context.Background(), req.Token) })
			}
		}()
	}
	if err != nil {
		layoutGetFailures.WithLabelValues("selector").Inc()
		c.ls.Warn(log_service.LogEvent{
			Message:  "Selector could not start a session",
			Metadata: map[string]any{"token": transfer.Token, "handle": transfer.Handle, "error": err.Error()},
		})
		c.dropTransfer(transfer)
		return fmt.Errorf("%w: starting session: %w", ErrDelay, err)
	}
	return nil
}

func (c *LayoutCoordinator) awaitSession(ctx context.Context, deadline time.Time, transfer *tt.PendingTransfer) (Layout, error) {
	token := transfer.Token

	mapping, err := c.transfers.WaitForReady(ctx, token, time.Until(deadline))
	switch {
	case err == nil:
	case errors.Is(err, tt.ErrWaitTimeout):
		transfer.MarkWaitTimeout()
		layoutGetTimeouts.Inc()
		c.ls.Debug(log_service.LogEvent{
			Message:  "Session not ready in time, asking client to retry",
			Metadata: map[string]any{"token": token, "timeout": c.opts.LayoutGetTimeout.String()},
		})
		return Layout{}, fmt.Errorf("%w: session for %s not ready after %s", ErrDelay, token, c.opts.LayoutGetTimeout)
	case errors.Is(err, tt.ErrTokenNotFound):
		return Layout{}, fmt.Errorf("%w: transfer %s is gone", ErrDelay, token)
	case errors.Is(err, tt.ErrSessionFailed):
		layoutGetFailures.WithLabelValues("session").Inc()
		c.ls.Warn(log_service.LogEvent{
			Message:  "Backend session failed",
			Metadata: map[string]any{"token": token, "error": err.Error()},
		})
		c.dropTransfer(transfer)
		return Layout{}, fmt.Errorf("%w: %w", ErrDelay, err)
	default:
		// request context ended; the transfer stays for a retry
		return Layout{}, fmt.Errorf("%w: %w", ErrDelay, err)
	}

	// a joined waiter may find the transfer already granted; anything else
	// means the janitor or a failure claimed it first
	if !transfer.CompareAndSwapState(tt.StateAwaitingSession, tt.StateGranted) && transfer.State() != tt.StateGranted {
		return Layout{}, fmt.Errorf("%w: transfer %s is %s", ErrDelay, token, transfer.State())
	}
	layoutsGranted.WithLabelValues("backend").Inc()
	c.ls.Info(log_service.LogEvent{
		Message:  "Layout granted",
		Metadata: map[string]any{"token": token, "handle": transfer.Handle, "device": mapping.DeviceId.String(), "backend": mapping.BackendName},
	})
	return newLayout(mapping.DeviceId, transfer.Handle, transfer.Intent), nil
}

// dropTransfer marks transfer failed and removes it if it is still the
// entry registered under its token.
func (c *LayoutCoordinator) dropTransfer(transfer *tt.PendingTransfer) {
	transfer.SetState(tt.StateFailed)
	if cur, ok := c.transfers.Get(transfer.Token); ok && cur == transfer {
		c.transfers.Remove(transfer.Token)
	}
}

func (c *LayoutCoordinator) LayoutReturn(ctx context.Context, token string) error {
	transfer, ok := c.transfers.Get(token)
	if !ok {
		c.ls.Debug(log_service.LogEvent{
			Message:  "Layout return for unknown token",
			Metadata: map[string]any{"token": token},
		})
		return nil
	}

	deadline := time.Now().Add(c.opts.ReturnTimeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var err error
	select {
	case err = <-callSelectorAsync(func() error { return c.selector.EndSession(callCtx, token) }):
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	if err != nil {
		c.ls.Warn(log_service.LogEvent{
			Message:  "Failed to end backend session",
			Metadata: map[string]any{"token": token, "error": err.Error()},
		})
	}

	// a session that never came up, or failed, has nothing to stop
	if transfer.SessionGranted() {
		err := c.transfers.WaitForStopped(ctx, token, time.Until(deadline))
		switch {
		case err == nil, errors.Is(err, tt.ErrTokenNotFound):
		case errors.Is(err, tt.ErrWaitTimeout):
			layoutReturnTimeouts.Inc()
			c.ls.Debug(log_service.LogEvent{
				Message:  "Session not stopped in time, asking client to retry return",
				Metadata: map[string]any{"token": token, "timeout": c.opts.ReturnTimeout.String()},
			})
			return fmt.Errorf("%w: session for %s not stopped after %s", ErrDelay, token, c.opts.ReturnTimeout)
		default:
			return fmt.Errorf("%w: %w", ErrDelay, err)
		}
	}

	if removed, ok := c.transfers.Remove(token); ok {
		outcome := accounting.OutcomeReturned
		if removed.State() == tt.StateGranted {
			removed.SetState(tt.StateReturned)
		} else {
			removed.SetState(tt.StateFailed)
			outcome = accounting.OutcomeFailed
		}
		c.account(ctx, removed, outcome, SessionOutcome{Backend: removed.Backend()})
	}
	return nil
}

// SessionFinished ends a transfer from the backend side. Only the caller
// that removes the entry produces the accounting record.
func (c *LayoutCoordinator) SessionFinished(ctx context.Context, token string, outcome SessionOutcome) {
	// wakes a layout return waiting on this session
	_ = c.transfers.DeliverStopped(token)

	transfer, ok := c.transfers.Remove(token)
	if !ok {
		c.ls.Debug(log_service.LogEvent{
			Message:  "Session finished for unknown token",
			Metadata: map[string]any{"token": token, "backend": outcome.Backend},
		})
		return
	}

	result := accounting.OutcomeOK
	if outcome.Failed {
		result = accounting.OutcomeFailed
		transfer.SetState(tt.StateFailed)
	} else if !transfer.CompareAndSwapState(tt.StateGranted, tt.StateReturned) {
		transfer.SetState(tt.StateFailed)
	}
	c.account(ctx, transfer, result, outcome)
}

func (c *LayoutCoordinator) account(ctx context.Context, transfer *tt.PendingTransfer, result string, outcome SessionOutcome) {
	if c.accounting == nil {
		return
	}

	backend := outcome.Backend
	if backend == "" {
		backend = transfer.Backend()
	}
	c.accounting.TransferFinished(ctx, accounting.TransferRecord{
		Token:            transfer.Token,
		Handle:           transfer.Handle,
		Intent:           transfer.Intent.String(),
		Backend:          backend,
		Outcome:          result,
		BytesTransferred: outcome.BytesTransferred,
		Error:            outcome.Error,
		StartedAt:        transfer.CreatedAt,
		Duration:         time.Since(transfer.CreatedAt),
	})
}

func (c *LayoutCoordinator) GetDeviceInfo(ctx context.Context, id dr.DeviceId) (dr.DeviceMapping, error) {
	if id.IsMDS() {
		addr, ok := ServerAddressFromContext(ctx)
		if !ok {
			return dr.DeviceMapping{}, ErrNoConnectionAddress
		}
		return dr.DeviceMapping{
			DeviceId:    dr.MDSDeviceId,
			BackendName: c.opts.GatewayName,
			Addresses:   []string{addr},
		}, nil
	}

	mapping, ok := c.registry.LookupByDeviceId(id)
	if !ok {
		return dr.DeviceMapping{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return mapping, nil
}

// GetDeviceList returns every device a client may currently be pointed
// at, the gateway's own device first.
func (c *LayoutCoordinator) GetDeviceList(ctx context.Context) []dr.DeviceId {
	return append([]dr.DeviceId{dr.MDSDeviceId}, c.registry.AllKnownDeviceIds()...)
}

func (c *LayoutCoordinator) ListTransfers(ctx context.Context) []tt.TransferInfo {
	return c.transfers.List()
}

// ExpireStale removes transfers that were never granted within maxAge and
// asks the selector to end their sessions. It returns how many it removed.
func (c *LayoutCoordinator) ExpireStale(ctx context.Context, maxAge time.Duration) int {
	now := time.Now()
	expired := 0

	for _, info := range c.transfers.List() {
		transfer, ok := c.transfers.Get(info.Token)
		if !ok || now.Sub(transfer.CreatedAt) < maxAge {
			continue
		}
		// claim before talking to the selector so a concurrent grant loses
		s := transfer.State()
		if s != tt.StateRequested && s != tt.StateAwaitingSession {
			continue
		}
		if !transfer.CompareAndSwapState(s, tt.StateFailed) {
			continue
		}

		if err := callSelector(func() error { return c.selector.EndSession(ctx, transfer.Token) }); err != nil {
			c.ls.Debug(log_service.LogEvent{
				Message:  "Failed to end session of expired transfer",
				Metadata: map[string]any{"token": transfer.Token, "error": err.Error()},
			})
		}

		if cur, ok := c.transfers.Get(transfer.Token); !ok || cur != transfer {
			continue
		}
		if _, ok := c.transfers.Remove(transfer.Token); !ok {
			continue
		}
		transfersExpired.Inc()
		expired++

		c.ls.Info(log_service.LogEvent{
			Message:  "Expired pending transfer",
			Metadata: map[string]any{"token": transfer.Token, "handle": transfer.Handle, "age": now.Sub(transfer.CreatedAt).String()},
		})
		c.account(ctx, transfer, accounting.OutcomeExpired, SessionOutcome{})
	}
	return expired
}

func callSelector(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("selector panic: %v", r)
		}
	}()
	return fn()
}

// callSelectorAsync runs fn on its own goroutine so callers can stop
// waiting for a selector that ignores its context.
func callSelectorAsync(fn func() error) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- callSelector(fn)
	}()
	return result
}

var _ LayoutService = (*LayoutCoordinator)(nil)

package transfer_table

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/log_service"
	"github.com/AnishMulay/sandgate/internal/rendezvous"
)

// InMemoryTransferTable keys pending transfers by token. Operations on
// different tokens never share a lock.
type InMemoryTransferTable struct {
	ls        log_service.LogService
	transfers sync.Map // token -> *PendingTransfer
}

func NewInMemoryTransferTable(ls log_service.LogService) *InMemoryTransferTable {
	return &InMemoryTransferTable{ls: ls}
}

func validToken(token string) bool {
	return strings.TrimSpace(token) != ""
}

func (tt *InMemoryTransferTable) Register(token string, transfer *PendingTransfer) error {
	_, loaded, err := tt.RegisterOrGet(token, transfer)
	if err != nil {
		return err
	}
	if loaded {
		tt.ls.Error(log_service.LogEvent{
			Message:  "Duplicate token registration",
			Metadata: map[string]any{"token": token},
		})
		return ErrDuplicateToken
	}
	return nil
}

func (tt *InMemoryTransferTable) RegisterOrGet(token string, transfer *PendingTransfer) (*PendingTransfer, bool, error) {
	if !validToken(token) || transfer == nil {
		return nil, false, ErrInvalidToken
	}

	actual, loaded := tt.transfers.LoadOrStore(token, transfer)
	if !loaded {
		tt.ls.Debug(log_service.LogEvent{
			Message:  "Pending transfer registered",
			Metadata: map[string]any{"token": token, "handle": transfer.Handle, "intent": transfer.Intent.String()},
		})
	}
	return actual.(*PendingTransfer), loaded, nil
}

func (tt *InMemoryTransferTable) Get(token string) (*PendingTransfer, bool) {
	v, ok := tt.transfers.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*PendingTransfer), true
}

func (tt *InMemoryTransferTable) Remove(token string) (*PendingTransfer, bool) {
	v, ok := tt.transfers.LoadAndDelete(token)
	if !ok {
		return nil, false
	}

	tt.ls.Debug(log_service.LogEvent{
		Message:  "Pending transfer removed",
		Metadata: map[string]any{"token": token},
	})
	return v.(*PendingTransfer), true
}

func (tt *InMemoryTransferTable) DeliverReady(token string, mapping dr.DeviceMapping) error {
	transfer, ok := tt.Get(token)
	if !ok {
		tt.ls.Debug(log_service.LogEvent{
			Message:  "Dropping session ready for unknown token",
			Metadata: map[string]any{"token": token, "backend": mapping.BackendName},
		})
		return ErrStaleNotification
	}

	if err := transfer.ready.Deliver(mapping); err != nil {
		return tt.alreadyDelivered(token, "ready", err)
	}

	name := mapping.BackendName
	transfer.backend.Store(&name)
	return nil
}

func (tt *InMemoryTransferTable) DeliverFailure(token string, reason error) error {
	transfer, ok := tt.Get(token)
	if !ok {
		tt.ls.Debug(log_service.LogEvent{
			Message:  "Dropping session failure for unknown token",
			Metadata: map[string]any{"token": token},
		})
		return ErrStaleNotification
	}

	if reason == nil {
		reason = errors.New("unspecified")
	}
	if err := transfer.ready.Fail(fmt.Errorf("%w: %w", ErrSessionFailed, reason)); err != nil {
		return tt.alreadyDelivered(token, "failure", err)
	}
	return nil
}

func (tt *InMemoryTransferTable) DeliverStopped(token string) error {
	transfer, ok := tt.Get(token)
	if !ok {
		tt.ls.Debug(log_service.LogEvent{
			Message:  "Dropping session stopped for unknown token",
			Metadata: map[string]any{"token": token},
		})
		return ErrStaleNotification
	}

	// stop and finish both complete this slot, so a second delivery is
	// routine
	if err := transfer.stopped.Deliver(struct{}{}); err != nil {
		tt.ls.Debug(log_service.LogEvent{
			Message:  "Session already stopped",
			Metadata: map[string]any{"token": token},
		})
		return ErrAlreadyDelivered
	}
	return nil
}

func (tt *InMemoryTransferTable) alreadyDelivered(token, kind string, err error) error {
	if errors.Is(err, rendezvous.ErrAlreadyCompleted) {
		tt.ls.Error(log_service.LogEvent{
			Message:  "Duplicate session notification",
			Metadata: map[string]any{"token": token, "kind": kind},
		})
		return ErrAlreadyDelivered
	}
	return err
}

func (tt *InMemoryTransferTable) WaitForReady(ctx context.Context, token string, timeout time.Duration) (dr.DeviceMapping, error) {
	transfer, ok := tt.Get(token)
	if !ok {
		return dr.DeviceMapping{}, ErrTokenNotFound
	}

	mapping, err := transfer.ready.Wait(ctx, timeout)
	if errors.Is(err, rendezvous.ErrTimeout) {
		return dr.DeviceMapping{}, ErrWaitTimeout
	}
	return mapping, err
}

func (tt *InMemoryTransferTable) WaitForStopped(ctx context.Context, token string, timeout time.Duration) error {
	transfer, ok := tt.Get(token)
	if !ok {
		return ErrTokenNotFound
	}

	_, err := transfer.stopped.Wait(ctx, timeout)
	if errors.Is(err, rendezvous.ErrTimeout) {
		return ErrWaitTimeout
	}
	return err
}

func (tt *InMemoryTransferTable) List() []TransferInfo {
	var out []TransferInfo
	tt.transfers.Range(func(_, v any) bool {
		out = append(out, v.(*PendingTransfer).Info())
		return true
	})
	slices.SortFunc(out, func(a, b TransferInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

var _ TransferTable = (*InMemoryTransferTable)(nil)

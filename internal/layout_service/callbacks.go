package layout_service

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/sandgate/internal/log_service"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

// OnSessionReady resolves the backend's address set to a device id and
// wakes the layout request waiting on token.
func (c *LayoutCoordinator) OnSessionReady(ctx context.Context, token, backend string, addresses []string) error {
	transfer, ok := c.transfers.Get(token)
	if !ok {
		c.ls.Debug(log_service.LogEvent{
			Message:  "Dropping session ready for unknown token",
			Metadata: map[string]any{"token": token, "backend": backend},
		})
		return nil
	}
	if transfer.SessionReady() {
		return c.reportViolation("duplicate_ready", token, tt.ErrAlreadyDelivered)
	}

	mapping, err := c.registry.ResolveOrAllocate(backend, addresses)
	if err != nil {
		c.ls.Warn(log_service.LogEvent{
			Message:  "Backend reported an unusable session endpoint",
			Metadata: map[string]any{"token": token, "backend": backend, "error": err.Error()},
		})
		if derr := c.transfers.DeliverFailure(token, err); errors.Is(derr, tt.ErrAlreadyDelivered) {
			return c.reportViolation("duplicate_ready", token, derr)
		}
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if err := c.transfers.DeliverReady(token, mapping); err != nil {
		switch {
		case errors.Is(err, tt.ErrStaleNotification):
			return nil
		case errors.Is(err, tt.ErrAlreadyDelivered):
			return c.reportViolation("duplicate_ready", token, err)
		default:
			return err
		}
	}

	if transfer.WaitTimeouts() > 0 {
		lateSessionReady.WithLabelValues(mapping.BackendName).Inc()
		c.ls.Debug(log_service.LogEvent{
			Message:  "Session ready after layout request timed out",
			Metadata: map[string]any{"token": token, "backend": mapping.BackendName, "timeouts": transfer.WaitTimeouts()},
		})
	}
	return nil
}

// OnSessionFailed wakes the layout request waiting on token with a
// failure. The request answers with a retryable error.
func (c *LayoutCoordinator) OnSessionFailed(ctx context.Context, token, backend, reason string) error {
	if reason == "" {
		reason = "unspecified"
	}
	if backend != "" {
		reason = backend + ": " + reason
	}

	err := c.transfers.DeliverFailure(token, errors.New(reason))
	switch {
	case err == nil, errors.Is(err, tt.ErrStaleNotification):
		return nil
	case errors.Is(err, tt.ErrAlreadyDelivered):
		return c.reportViolation("duplicate_failure", token, err)
	default:
		return err
	}
}

func (c *LayoutCoordinator) OnSessionStopped(ctx context.Context, token, backend string) error {
	err := c.transfers.DeliverStopped(token)
	if err != nil && !errors.Is(err, tt.ErrStaleNotification) && !errors.Is(err, tt.ErrAlreadyDelivered) {
		return err
	}
	return nil
}

func (c *LayoutCoordinator) OnSessionFinished(ctx context.Context, token string, outcome SessionOutcome) error {
	c.SessionFinished(ctx, token, outcome)
	return nil
}

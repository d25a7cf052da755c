package layout_service

import (
	"fmt"

	"github.com/AnishMulay/sandgate/internal/log_service"
)

// panicOnViolation is switched on by the sandgate_debug build tag.
var panicOnViolation = false

func (c *LayoutCoordinator) reportViolation(kind, token string, err error) error {
	protocolViolations.WithLabelValues(kind).Inc()
	c.ls.Error(log_service.LogEvent{
		Message:  "Backend protocol violation",
		Metadata: map[string]any{"kind": kind, "token": token, "error": err.Error()},
	})

	if panicOnViolation {
		panic(fmt.Sprintf("protocol violation %s for token %s: %v", kind, token, err))
	}
	return fmt.Errorf("%w: %s: %w", ErrProtocolViolation, kind, err)
}

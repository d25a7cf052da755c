// Package accounting receives the hand-off of finished transfers. The
// gateway does not bill anything itself; it forwards one record per
// transfer to whatever sink is configured.
package accounting

import (
	"context"
	"time"

	"github.com/AnishMulay/sandgate/internal/log_service"
)

const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeReturned = "returned"
	OutcomeExpired  = "expired"
)

type TransferRecord struct {
	Token            string        `json:"token"`
	Handle           string        `json:"handle"`
	Intent           string        `json:"intent"`
	Backend          string        `json:"backend,omitempty"`
	Outcome          string        `json:"outcome"`
	BytesTransferred int64         `json:"bytesTransferred"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
}

type Accounting interface {
	TransferFinished(ctx context.Context, rec TransferRecord)
}

// LogAccounting writes each record as an INFO event.
type LogAccounting struct {
	ls log_service.LogService
}

func NewLogAccounting(ls log_service.LogService) *LogAccounting {
	return &LogAccounting{ls: ls}
}

func (a *LogAccounting) TransferFinished(ctx context.Context, rec TransferRecord) {
	meta := map[string]any{
		"token":    rec.Token,
		"handle":   rec.Handle,
		"intent":   rec.Intent,
		"outcome":  rec.Outcome,
		"bytes":    rec.BytesTransferred,
		"duration": rec.Duration.String(),
	}
	if rec.Backend != "" {
		meta["backend"] = rec.Backend
	}
	if rec.Error != "" {
		meta["error"] = rec.Error
	}

	a.ls.Info(log_service.LogEvent{
		Timestamp: rec.StartedAt.Add(rec.Duration),
		Message:   "Transfer finished",
		Metadata:  meta,
	})
}

var _ Accounting = (*LogAccounting)(nil)

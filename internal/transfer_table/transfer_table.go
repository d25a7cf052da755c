package transfer_table

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/rendezvous"
)

// Intent is the client's declared I/O mode for a layout.
type Intent int

const (
	IntentRead Intent = iota + 1
	IntentReadWrite
)

// ParseIntent accepts the names produced by Intent.String.
func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r":
		return IntentRead, nil
	case "readwrite", "rw", "write":
		return IntentReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown intent %q", s)
	}
}

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentReadWrite:
		return "readwrite"
	default:
		return "unknown"
	}
}

// State tracks a layout request through its lifecycle.
type State int32

const (
	StateRequested State = iota
	StateAwaitingSession
	StateGranted
	StateReturned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "REQUESTED"
	case StateAwaitingSession:
		return "AWAITING_SESSION"
	case StateGranted:
		return "GRANTED"
	case StateReturned:
		return "RETURNED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// PendingTransfer is one in-flight layout request. Only the table that
// registered it may complete its rendezvous slots.
type PendingTransfer struct {
	Token     string
	Handle    string
	Intent    Intent
	CreatedAt time.Time

	state        atomic.Int32
	backend      atomic.Pointer[string]
	waitTimeouts atomic.Int32

	ready   *rendezvous.Slot[dr.DeviceMapping]
	stopped *rendezvous.Slot[struct{}]
}

func NewPendingTransfer(token, handle string, intent Intent) *PendingTransfer {
	t := &PendingTransfer{
		Token:     token,
		Handle:    handle,
		Intent:    intent,
		CreatedAt: time.Now(),
		ready:     rendezvous.NewSlot[dr.DeviceMapping](),
		stopped:   rendezvous.NewSlot[struct{}](),
	}
	t.state.Store(int32(StateRequested))
	return t
}

func (t *PendingTransfer) State() State {
	return State(t.state.Load())
}

func (t *PendingTransfer) SetState(s State) {
	t.state.Store(int32(s))
}

// CompareAndSwapState moves the transfer to next only if it is still in
// expected.
func (t *PendingTransfer) CompareAndSwapState(expected, next State) bool {
	return t.state.CompareAndSwap(int32(expected), int32(next))
}

// Backend is the name of the backend whose session became ready, or ""
// before that.
func (t *PendingTransfer) Backend() string {
	if p := t.backend.Load(); p != nil {
		return *p
	}
	return ""
}

// MarkWaitTimeout records that a waiter gave up on the ready slot.
func (t *PendingTransfer) MarkWaitTimeout() {
	t.waitTimeouts.Add(1)
}

// WaitTimeouts is the number of waits on the ready slot that timed out.
func (t *PendingTransfer) WaitTimeouts() int {
	return int(t.waitTimeouts.Load())
}

// SessionReady reports whether the ready slot has been completed,
// successfully or not.
func (t *PendingTransfer) SessionReady() bool {
	return t.ready.Completed()
}

// SessionGranted reports whether the ready slot holds a device mapping,
// that is the backend session actually came up.
func (t *PendingTransfer) SessionGranted() bool {
	return t.ready.Delivered()
}

// TransferInfo is a point-in-time view of a PendingTransfer.
type TransferInfo struct {
	Token     string    `json:"token"`
	Handle    string    `json:"handle"`
	Intent    string    `json:"intent"`
	State     string    `json:"state"`
	Backend   string    `json:"backend,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (t *PendingTransfer) Info() TransferInfo {
	return TransferInfo{
		Token:     t.Token,
		Handle:    t.Handle,
		Intent:    t.Intent.String(),
		State:     t.State().String(),
		Backend:   t.Backend(),
		CreatedAt: t.CreatedAt,
	}
}

type TransferTable interface {
	// Register fails with ErrDuplicateToken if token is present.
	Register(token string, transfer *PendingTransfer) error

	// RegisterOrGet inserts transfer unless token is present, in which
	// case the existing entry is returned with loaded == true.
	RegisterOrGet(token string, transfer *PendingTransfer) (actual *PendingTransfer, loaded bool, err error)

	// DeliverReady completes the token's rendezvous with mapping. Unknown
	// tokens yield ErrStaleNotification, repeated deliveries
	// ErrAlreadyDelivered. The entry is not removed.
	DeliverReady(token string, mapping dr.DeviceMapping) error

	// DeliverFailure completes the token's rendezvous with a failure.
	DeliverFailure(token string, reason error) error

	// WaitForReady blocks up to timeout. On ErrWaitTimeout the entry is
	// kept so a later DeliverReady is seen by the next wait.
	WaitForReady(ctx context.Context, token string, timeout time.Duration) (dr.DeviceMapping, error)

	DeliverStopped(token string) error
	WaitForStopped(ctx context.Context, token string, timeout time.Duration) error

	// Remove is idempotent; the second call reports false.
	Remove(token string) (*PendingTransfer, bool)

	Get(token string) (*PendingTransfer, bool)

	List() []TransferInfo
}

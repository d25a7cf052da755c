package transfer_table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/log_service"
)

var testMapping = dr.DeviceMapping{DeviceId: 1, BackendName: "pool-A", Addresses: []string{"10.0.0.1:9999"}}

func newTestTable() *InMemoryTransferTable {
	return NewInMemoryTransferTable(log_service.NopLogService{})
}

func TestInMemoryTransferTable_Register(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		setupFn func(*InMemoryTransferTable)
		wantErr error
	}{
		{
			name:  "register new token",
			token: "tok-1",
		},
		{
			name:  "register duplicate token",
			token: "tok-1",
			setupFn: func(tt *InMemoryTransferTable) {
				_ = tt.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))
			},
			wantErr: ErrDuplicateToken,
		},
		{
			name:    "register empty token",
			token:   "",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table := newTestTable()
			if tc.setupFn != nil {
				tc.setupFn(table)
			}

			err := table.Register(tc.token, NewPendingTransfer(tc.token, "h2", IntentReadWrite))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestInMemoryTransferTable_RegisterGetRemove(t *testing.T) {
	table := newTestTable()
	x := NewPendingTransfer("tok-1", "h1", IntentRead)

	if err := table.Register("tok-1", x); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, ok := table.Get("tok-1")
	if !ok || got != x {
		t.Fatalf("Get() = %p, %v; want %p, true", got, ok, x)
	}

	removed, ok := table.Remove("tok-1")
	if !ok || removed != x {
		t.Fatalf("Remove() = %p, %v; want %p, true", removed, ok, x)
	}
	if _, ok := table.Get("tok-1"); ok {
		t.Errorf("Get() after Remove() found the entry")
	}
	if _, ok := table.Remove("tok-1"); ok {
		t.Errorf("second Remove() reported the entry present")
	}
}

func TestInMemoryTransferTable_RegisterOrGet(t *testing.T) {
	table := newTestTable()
	first := NewPendingTransfer("tok-1", "h1", IntentRead)
	second := NewPendingTransfer("tok-1", "h1", IntentRead)

	actual, loaded, err := table.RegisterOrGet("tok-1", first)
	if err != nil || loaded || actual != first {
		t.Fatalf("RegisterOrGet() = %p, %v, %v; want first, false, nil", actual, loaded, err)
	}
	actual, loaded, err = table.RegisterOrGet("tok-1", second)
	if err != nil || !loaded || actual != first {
		t.Fatalf("RegisterOrGet() = %p, %v, %v; want first, true, nil", actual, loaded, err)
	}
}

func TestInMemoryTransferTable_DeliverThenWait(t *testing.T) {
	table := newTestTable()
	_ = table.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))

	if err := table.DeliverReady("tok-1", testMapping); err != nil {
		t.Fatalf("DeliverReady() error = %v", err)
	}

	start := time.Now()
	got, err := table.WaitForReady(context.Background(), "tok-1", 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForReady() error = %v", err)
	}
	if got.DeviceId != testMapping.DeviceId || got.BackendName != testMapping.BackendName {
		t.Errorf("WaitForReady() = %v, want %v", got, testMapping)
	}
	if time.Since(start) > time.Second {
		t.Errorf("WaitForReady() blocked despite prior delivery")
	}

	transfer, _ := table.Get("tok-1")
	if transfer.Backend() != "pool-A" {
		t.Errorf("Backend() = %q, want pool-A", transfer.Backend())
	}
	if _, ok := table.Get("tok-1"); !ok {
		t.Errorf("DeliverReady() removed the entry")
	}
}

func TestInMemoryTransferTable_WaitTimeoutKeepsEntry(t *testing.T) {
	table := newTestTable()
	_ = table.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))

	start := time.Now()
	_, err := table.WaitForReady(context.Background(), "tok-1", 50*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("WaitForReady() error = %v, want %v", err, ErrWaitTimeout)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("WaitForReady() returned after %v, expected about 50ms", elapsed)
	}

	if _, ok := table.Get("tok-1"); !ok {
		t.Fatalf("entry removed by timeout")
	}
	if err := table.DeliverReady("tok-1", testMapping); err != nil {
		t.Fatalf("late DeliverReady() error = %v", err)
	}
	got, err := table.WaitForReady(context.Background(), "tok-1", time.Second)
	if err != nil || got.DeviceId != testMapping.DeviceId {
		t.Errorf("WaitForReady() after late delivery = %v, %v", got, err)
	}
}

func TestInMemoryTransferTable_DeliverErrors(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*InMemoryTransferTable)
		deliver func(*InMemoryTransferTable) error
		wantErr error
	}{
		{
			name:    "ready for unknown token is stale",
			deliver: func(tt *InMemoryTransferTable) error { return tt.DeliverReady("tok-x", testMapping) },
			wantErr: ErrStaleNotification,
		},
		{
			name: "second ready is a protocol error",
			setupFn: func(tt *InMemoryTransferTable) {
				_ = tt.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))
				_ = tt.DeliverReady("tok-1", testMapping)
			},
			deliver: func(tt *InMemoryTransferTable) error { return tt.DeliverReady("tok-1", testMapping) },
			wantErr: ErrAlreadyDelivered,
		},
		{
			name: "failure after ready is a protocol error",
			setupFn: func(tt *InMemoryTransferTable) {
				_ = tt.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))
				_ = tt.DeliverReady("tok-1", testMapping)
			},
			deliver: func(tt *InMemoryTransferTable) error { return tt.DeliverFailure("tok-1", errors.New("boom")) },
			wantErr: ErrAlreadyDelivered,
		},
		{
			name:    "stopped for unknown token is stale",
			deliver: func(tt *InMemoryTransferTable) error { return tt.DeliverStopped("tok-x") },
			wantErr: ErrStaleNotification,
		},
		{
			name: "ready after removal is stale",
			setupFn: func(tt *InMemoryTransferTable) {
				_ = tt.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))
				tt.Remove("tok-1")
			},
			deliver: func(tt *InMemoryTransferTable) error { return tt.DeliverReady("tok-1", testMapping) },
			wantErr: ErrStaleNotification,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table := newTestTable()
			if tc.setupFn != nil {
				tc.setupFn(table)
			}
			if err := tc.deliver(table); !errors.Is(err, tc.wantErr) {
				t.Errorf("deliver error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestInMemoryTransferTable_FailureWakesWaiter(t *testing.T) {
	table := newTestTable()
	_ = table.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))

	reason := errors.New("no pool online")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = table.DeliverFailure("tok-1", reason)
	}()

	_, err := table.WaitForReady(context.Background(), "tok-1", 5*time.Second)
	if !errors.Is(err, ErrSessionFailed) || !errors.Is(err, reason) {
		t.Errorf("WaitForReady() error = %v, want wrapping %v and %v", err, ErrSessionFailed, reason)
	}
}

func TestInMemoryTransferTable_WaitUnknownToken(t *testing.T) {
	table := newTestTable()
	if _, err := table.WaitForReady(context.Background(), "tok-x", time.Second); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("WaitForReady() error = %v, want %v", err, ErrTokenNotFound)
	}
	if err := table.WaitForStopped(context.Background(), "tok-x", time.Second); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("WaitForStopped() error = %v, want %v", err, ErrTokenNotFound)
	}
}

func TestInMemoryTransferTable_StoppedRendezvous(t *testing.T) {
	table := newTestTable()
	_ = table.Register("tok-1", NewPendingTransfer("tok-1", "h1", IntentRead))

	if err := table.WaitForStopped(context.Background(), "tok-1", 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("WaitForStopped() error = %v, want %v", err, ErrWaitTimeout)
	}
	if err := table.DeliverStopped("tok-1"); err != nil {
		t.Fatalf("DeliverStopped() error = %v", err)
	}
	if err := table.WaitForStopped(context.Background(), "tok-1", time.Second); err != nil {
		t.Errorf("WaitForStopped() error = %v", err)
	}
}

func TestInMemoryTransferTable_ConcurrentTokens(t *testing.T) {
	table := newTestTable()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		token := fmt.Sprintf("tok-%d", i)
		if err := table.Register(token, NewPendingTransfer(token, "h", IntentRead)); err != nil {
			t.Fatalf("Register(%s) error = %v", token, err)
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := table.WaitForReady(context.Background(), token, 5*time.Second); err != nil {
				t.Errorf("WaitForReady(%s) error = %v", token, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := table.DeliverReady(token, testMapping); err != nil {
				t.Errorf("DeliverReady(%s) error = %v", token, err)
			}
		}()
	}
	wg.Wait()

	if got := len(table.List()); got != n {
		t.Errorf("List() has %d entries, want %d", got, n)
	}
}

func TestPendingTransfer_States(t *testing.T) {
	x := NewPendingTransfer("tok-1", "h1", IntentReadWrite)
	if x.State() != StateRequested {
		t.Fatalf("initial state = %v, want %v", x.State(), StateRequested)
	}
	if !x.CompareAndSwapState(StateRequested, StateAwaitingSession) {
		t.Fatalf("CompareAndSwapState(Requested, AwaitingSession) failed")
	}
	if x.CompareAndSwapState(StateRequested, StateFailed) {
		t.Errorf("CompareAndSwapState succeeded from a stale state")
	}

	info := x.Info()
	if info.State != "AWAITING_SESSION" || info.Intent != "readwrite" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in      string
		want    Intent
		wantErr bool
	}{
		{in: "read", want: IntentRead},
		{in: " RW ", want: IntentReadWrite},
		{in: "readwrite", want: IntentReadWrite},
		{in: "append", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseIntent(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseIntent(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseIntent(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestPendingTransfer_SessionGranted(t *testing.T) {
	table := newTestTable()
	ready := NewPendingTransfer("tok-ready", "file-1", IntentRead)
	failed := NewPendingTransfer("tok-failed", "file-1", IntentRead)
	_ = table.Register(ready.Token, ready)
	_ = table.Register(failed.Token, failed)

	if ready.SessionGranted() || ready.SessionReady() {
		t.Fatalf("fresh transfer reports a session")
	}

	_ = table.DeliverReady(ready.Token, testMapping)
	_ = table.DeliverFailure(failed.Token, errors.New("mover crashed"))

	if !ready.SessionGranted() || !ready.SessionReady() {
		t.Errorf("delivered transfer: granted=%v ready=%v", ready.SessionGranted(), ready.SessionReady())
	}
	if failed.SessionGranted() || !failed.SessionReady() {
		t.Errorf("failed transfer: granted=%v ready=%v", failed.SessionGranted(), failed.SessionReady())
	}
}

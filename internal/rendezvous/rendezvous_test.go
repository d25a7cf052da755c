package rendezvous

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlot_DeliverThenWait(t *testing.T) {
	s := NewSlot[string]()
	if err := s.Deliver("pool-A"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	start := time.Now()
	got, err := s.Wait(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != "pool-A" {
		t.Errorf("Wait() = %q, want %q", got, "pool-A")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait() blocked for %v after delivery", elapsed)
	}
}

func TestSlot_WaitTimesOutAndSurvives(t *testing.T) {
	s := NewSlot[int]()

	start := time.Now()
	_, err := s.Wait(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want %v", err, ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected about 50ms", elapsed)
	}

	if err := s.Deliver(42); err != nil {
		t.Fatalf("Deliver() after timeout error = %v", err)
	}
	got, err := s.Wait(context.Background(), time.Second)
	if err != nil || got != 42 {
		t.Errorf("Wait() = %v, %v; want 42, nil", got, err)
	}
}

func TestSlot_CompletesOnce(t *testing.T) {
	tests := []struct {
		name   string
		first  func(*Slot[int]) error
		second func(*Slot[int]) error
	}{
		{
			name:   "deliver twice",
			first:  func(s *Slot[int]) error { return s.Deliver(1) },
			second: func(s *Slot[int]) error { return s.Deliver(2) },
		},
		{
			name:   "fail after deliver",
			first:  func(s *Slot[int]) error { return s.Deliver(1) },
			second: func(s *Slot[int]) error { return s.Fail(errors.New("late failure")) },
		},
		{
			name:   "deliver after fail",
			first:  func(s *Slot[int]) error { return s.Fail(errors.New("pool down")) },
			second: func(s *Slot[int]) error { return s.Deliver(1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSlot[int]()
			if err := tt.first(s); err != nil {
				t.Fatalf("first completion error = %v", err)
			}
			if err := tt.second(s); !errors.Is(err, ErrAlreadyCompleted) {
				t.Errorf("second completion error = %v, want %v", err, ErrAlreadyCompleted)
			}
		})
	}
}

func TestSlot_FailPropagates(t *testing.T) {
	s := NewSlot[string]()
	reason := errors.New("no pool available")
	if err := s.Fail(reason); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if _, err := s.Wait(context.Background(), time.Second); !errors.Is(err, reason) {
		t.Errorf("Wait() error = %v, want %v", err, reason)
	}
	if err := NewSlot[string]().Fail(nil); err == nil {
		t.Errorf("Fail(nil) succeeded")
	}
}

func TestSlot_ConcurrentDeliverSingleWinner(t *testing.T) {
	s := NewSlot[int]()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if s.Deliver(v) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d deliveries succeeded, want 1", wins)
	}
	if !s.Completed() {
		t.Errorf("Completed() = false after delivery")
	}
}

func TestSlot_WaitWakesOnLateDelivery(t *testing.T) {
	s := NewSlot[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Deliver("ready")
	}()

	got, err := s.Wait(context.Background(), 5*time.Second)
	if err != nil || got != "ready" {
		t.Errorf("Wait() = %q, %v; want ready, nil", got, err)
	}
}

func TestSlot_ContextCancel(t *testing.T) {
	s := NewSlot[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestSlot_Delivered(t *testing.T) {
	tests := []struct {
		name     string
		complete func(*Slot[int])
		want     bool
	}{
		{"pending", func(*Slot[int]) {}, false},
		{"delivered", func(s *Slot[int]) { _ = s.Deliver(7) }, true},
		{"failed", func(s *Slot[int]) { _ = s.Fail(errors.New("mover crashed")) }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSlot[int]()
			tc.complete(s)
			if got := s.Delivered(); got != tc.want {
				t.Errorf("Delivered() = %v, want %v", got, tc.want)
			}
		})
	}
}

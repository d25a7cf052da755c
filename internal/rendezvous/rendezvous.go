// Package rendezvous provides a one-shot, single-producer/single-consumer
// hand-off used to park a request until an asynchronous notification
// arrives.
//
// A Slot is completed exactly once, either with a value (Deliver) or with
// an error (Fail). Completion happens-before the return of every Wait that
// observes it. Waiting never consumes the slot: a wait that times out
// leaves it intact, so a later delivery is still seen by the next Wait.
package rendezvous

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyCompleted = errors.New("rendezvous slot already completed")
	ErrTimeout          = errors.New("rendezvous wait timed out")
)

type Slot[T any] struct {
	completed atomic.Bool
	done      chan struct{}

	// written once before done is closed
	value T
	err   error
}

func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Deliver completes the slot with v.
func (s *Slot[T]) Deliver(v T) error {
	return s.complete(v, nil)
}

// Fail completes the slot with err. A nil err is rejected so that a
// failed slot can never be mistaken for a delivered zero value.
func (s *Slot[T]) Fail(err error) error {
	if err == nil {
		return errors.New("rendezvous: Fail called with nil error")
	}
	var zero T
	return s.complete(zero, err)
}

func (s *Slot[T]) complete(v T, err error) error {
	if !s.completed.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	s.value = v
	s.err = err
	close(s.done)
	return nil
}

// Wait blocks until the slot is completed, timeout elapses or ctx is done.
// A non-positive timeout polls.
func (s *Slot[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	select {
	case <-s.done:
		return s.value, s.err
	default:
	}

	if timeout <= 0 {
		return zero, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.value, s.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Completed reports whether Deliver or Fail has succeeded.
func (s *Slot[T]) Completed() bool {
	return s.completed.Load()
}

// Delivered reports whether the slot was completed by Deliver rather than
// Fail.
func (s *Slot[T]) Delivered() bool {
	select {
	case <-s.done:
		return s.err == nil
	default:
		return false
	}
}

// Done is closed once the slot is completed.
func (s *Slot[T]) Done() <-chan struct{} {
	return s.done
}

// Package future provides single-assignment results for work issued on an
// Executor.
//
// A Future resolves exactly once, to a value or an error. Callers either
// block on Wait or chain continuations with Then. Abandoning a Wait (its
// context ends) leaves the issued work running.
package future

import (
	"context"
	"sync"
)

// Future is the pending result of one operation.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Succeed returns a future already resolved to v.
func Succeed[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, nil)
	return f
}

// Fail returns a future already failed with err.
func Fail[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// Submit schedules fn on ex and returns its future.
func Submit[T any](ex Executor, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	task := func() { f.resolve(fn()) }
	if s, ok := ex.(*Scheduler); ok {
		if !s.enqueue(task) {
			var zero T
			f.resolve(zero, ErrSchedulerClosed)
		}
		return f
	}
	ex.Execute(task)
	return f
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the resolved value and error. It must only be called after
// Done is closed.
func (f *Future[T]) Result() (T, error) {
	return f.val, f.err
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a future resolving to fn applied to f's value. Errors from f
// propagate without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := newFuture[U]()
	go func() {
		<-f.done
		if f.err != nil {
			var zero U
			out.resolve(zero, f.err)
			return
		}
		out.resolve(fn(f.val))
	}()
	return out
}

// Catch returns a future that replaces f's error with the result of fn.
func Catch[T any](f *Future[T], fn func(error) (T, error)) *Future[T] {
	out := newFuture[T]()
	go func() {
		<-f.done
		if f.err == nil {
			out.resolve(f.val, nil)
			return
		}
		out.resolve(fn(f.err))
	}()
	return out
}

package checkpoint

import (
	"context"
	"sync"
)

// DefaultAsyncWorkers is the pool size NewAsyncStore uses for workers <= 0.
const DefaultAsyncWorkers = 4

// Future is the pending result of an AsyncStore operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.complete(*new(T), err)
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the operation finishes or ctx is done. Abandoning a
// Future does not cancel the operation; cancel the context it was started
// with for that.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ListResult is one element streamed by AsyncStore.List.
type ListResult struct {
	Tuple *Tuple
	Err   error
}

// AsyncStore runs a Saver on a fixed pool of worker goroutines and exposes
// non-blocking variants of its operations. It adds no state of its own, so
// every atomicity and idempotency guarantee of the wrapped Saver holds.
//
// List streams from a goroutine outside the pool, so a slow consumer never
// holds back Put or PutWrites.
type AsyncStore struct {
	saver Saver
	jobs  chan func()
	quit  chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncStore starts workers goroutines serving saver.
func NewAsyncStore(saver Saver, workers int) *AsyncStore {
	if workers <= 0 {
		workers = DefaultAsyncWorkers
	}
	a := &AsyncStore{
		saver: saver,
		jobs:  make(chan func()),
		quit:  make(chan struct{}),
	}
	a.wg.Add(workers)
	for range workers {
		go a.work()
	}
	return a
}

func (a *AsyncStore) work() {
	defer a.wg.Done()
	for job := range a.jobs {
		job()
	}
}

// submit hands job to a worker. It fails when the store is closed or ctx is
// done before a worker becomes free.
func (a *AsyncStore) submit(ctx context.Context, job func()) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func run[T any](a *AsyncStore, ctx context.Context, op func() (T, error)) *Future[T] {
	f := newFuture[T]()
	if err := a.submit(ctx, func() {
		v, err := op()
		f.complete(v, err)
	}); err != nil {
		return failedFuture[T](err)
	}
	return f
}

// Saver returns the wrapped synchronous Saver.
func (a *AsyncStore) Saver() Saver {
	return a.saver
}

// Put schedules Saver.Put.
func (a *AsyncStore) Put(ctx context.Context, cfg Config, cp Checkpoint, md Metadata) *Future[Config] {
	return run(a, ctx, func() (Config, error) {
		return a.saver.Put(ctx, cfg, cp, md)
	})
}

// PutWrites schedules Saver.PutWrites.
func (a *AsyncStore) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) *Future[struct{}] {
	return run(a, ctx, func() (struct{}, error) {
		return struct{}{}, a.saver.PutWrites(ctx, cfg, writes, taskID)
	})
}

// GetTuple schedules Saver.GetTuple.
func (a *AsyncStore) GetTuple(ctx context.Context, cfg Config) *Future[*Tuple] {
	return run(a, ctx, func() (*Tuple, error) {
		return a.saver.GetTuple(ctx, cfg)
	})
}

// DeleteThread schedules Saver.DeleteThread.
func (a *AsyncStore) DeleteThread(ctx context.Context, threadID string) *Future[struct{}] {
	return run(a, ctx, func() (struct{}, error) {
		return struct{}{}, a.saver.DeleteThread(ctx, threadID)
	})
}

// List streams Saver.List on its own goroutine. The channel is closed after
// the last tuple or the first error. A consumer that stops reading early
// should cancel ctx; Close ends the stream as well.
func (a *AsyncStore) List(ctx context.Context, cfg Config, opts ListOptions) <-chan ListResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return failedList(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return failedList(err)
	}

	out := make(chan ListResult)
	a.wg.Go(func() {
		defer close(out)
		for t, err := range a.saver.List(ctx, cfg, opts) {
			select {
			case out <- ListResult{Tuple: t, Err: err}:
			case <-ctx.Done():
				return
			case <-a.quit:
				return
			}
			if err != nil {
				return
			}
		}
	})
	return out
}

func failedList(err error) <-chan ListResult {
	failed := make(chan ListResult, 1)
	failed <- ListResult{Err: err}
	close(failed)
	return failed
}

// Close stops accepting work, ends open List streams and waits for running
// operations to finish. It does not close the wrapped Saver.
func (a *AsyncStore) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.jobs)
	close(a.quit)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

package work

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueClosed = errors.New("work queue closed")
	ErrQueueFull   = errors.New("work queue full")
)

// Handler processes one item. A returned error triggers a retry until
// MaxRetries is exhausted.
type Handler[T any] func(ctx context.Context, item T) error

// DropFunc is told about items abandoned after their last retry.
type DropFunc[T any] func(item T, err error)

type Config struct {
	// Workers defaults to 1, which keeps items in submission order.
	Workers    int
	Buffer     int
	MaxRetries int
	// Backoff is multiplied by the retry number, capped at one minute.
	Backoff time.Duration
}

type entry[T any] struct {
	data    T
	retries int
}

// Queue is a bounded FIFO work queue with per-item retries.
type Queue[T any] struct {
	cfg     Config
	handler Handler[T]
	onDrop  DropFunc[T]

	items    chan entry[T]
	mu       sync.RWMutex
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewQueue[T any](cfg Config, handler Handler[T], onDrop DropFunc[T]) *Queue[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	q := &Queue[T]{
		cfg:      cfg,
		handler:  handler,
		onDrop:   onDrop,
		items:    make(chan entry[T], cfg.Buffer),
		stopChan: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// Submit enqueues without blocking.
func (q *Queue[T]) Submit(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueClosed
	}
	select {
	case q.items <- entry[T]{data: item}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Stop refuses new items and waits for queued ones to be processed. When ctx
// expires first, pending retries are abandoned and Stop returns ctx.Err().
func (q *Queue[T]) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.items)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(q.stopChan)
		<-done
		return ctx.Err()
	}
}

func (q *Queue[T]) run() {
	defer q.wg.Done()
	for it := range q.items {
		q.process(it)
	}
}

func (q *Queue[T]) process(it entry[T]) {
	ctx := context.Background()
	for {
		err := q.handler(ctx, it.data)
		if err == nil {
			return
		}
		it.retries++
		if it.retries > q.cfg.MaxRetries {
			if q.onDrop != nil {
				q.onDrop(it.data, err)
			}
			return
		}

		backoff := time.Duration(it.retries) * q.cfg.Backoff
		if backoff > time.Minute {
			backoff = time.Minute
		}
		select {
		case <-time.After(backoff):
		case <-q.stopChan:
			if q.onDrop != nil {
				q.onDrop(it.data, err)
			}
			return
		}
	}
}

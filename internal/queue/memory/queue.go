// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
)

const (
	defaultHistory         = 256
	defaultRedeliveryDelay = 100 * time.Millisecond
)

// Broker keeps one bounded channel per queue. A handler error puts the task
// back on its queue after the redelivery delay, giving at-least-once
// delivery within the process.
type Broker struct {
	capacity        int
	history         int
	redeliveryDelay time.Duration

	mu        sync.Mutex
	queues    map[string]chan crawler.Task
	published map[string][]crawler.Task
	closed    bool
	done      chan struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory keeps the last n published tasks per queue for Published.
// Zero disables the record.
func WithHistory(n int) Option {
	return func(b *Broker) {
		b.history = max(n, 0)
	}
}

// WithRedeliveryDelay sets how long a task that failed its handler waits
// before going back on its queue.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Broker) {
		b.redeliveryDelay = max(d, 0)
	}
}

// NewBroker constructs a broker whose queues hold capacity tasks each.
func NewBroker(capacity int, opts ...Option) *Broker {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Broker{
		capacity:        capacity,
		history:         defaultHistory,
		redeliveryDelay: defaultRedeliveryDelay,
		queues:          make(map[string]chan crawler.Task),
		published:       make(map[string][]crawler.Task),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) channel(name string) (chan crawler.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan crawler.Task, b.capacity)
		b.queues[name] = ch
	}
	return ch, nil
}

// Publish places task on the queue, blocking while it is full.
func (b *Broker) Publish(ctx context.Context, name string, task crawler.Task) error {
	ch, err := b.channel(name)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-b.done:
		return queue.ErrClosed
	case ch <- task:
		b.record(name, task)
		return nil
	}
}

func (b *Broker) record(name string, task crawler.Task) {
	if b.history == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := append(b.published[name], task)
	if len(kept) > b.history {
		kept = append([]crawler.Task(nil), kept[len(kept)-b.history:]...)
	}
	b.published[name] = kept
}

// Consume delivers tasks to handler until ctx ends or the broker closes.
func (b *Broker) Consume(ctx context.Context, name string, handler crawler.Handler) error {
	ch, err := b.channel(name)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return queue.ErrClosed
		case task := <-ch:
			if herr := handler(ctx, task); herr != nil {
				b.requeue(ctx, ch, task)
			}
		}
	}
}

func (b *Broker) requeue(ctx context.Context, ch chan crawler.Task, task crawler.Task) {
	if b.redeliveryDelay == 0 {
		select {
		case ch <- task:
			return
		default:
		}
	}
	go func() {
		if b.redeliveryDelay > 0 {
			timer := time.NewTimer(b.redeliveryDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
		select {
		case ch <- task:
		case <-ctx.Done():
		case <-b.done:
		}
	}()
}

// Published returns the recorded tasks accepted on name, oldest first.
func (b *Broker) Published(name string) []crawler.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]crawler.Task, len(b.published[name]))
	copy(out, b.published[name])
	return out
}

// Len returns the number of undelivered tasks on name.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[name])
}

// Close stops all consumers. Further publishes fail with queue.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

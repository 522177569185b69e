// Package queue names the broker queues and wraps brokers with publish
// retries. Concrete brokers live in the memory, redis and pubsub
// subpackages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// SchedulerQueue carries operator triggers to the scheduler.
const SchedulerQueue = "scheduler"

const identityQueuePrefix = "crawl."

// QueueName returns the queue owned by identity.
func QueueName(identity string) string {
	return identityQueuePrefix + identity
}

// IdentityOf is the inverse of QueueName.
func IdentityOf(queue string) (string, bool) {
	if !strings.HasPrefix(queue, identityQueuePrefix) {
		return "", false
	}
	return strings.TrimPrefix(queue, identityQueuePrefix), true
}

// Retrying adds bounded exponential backoff around a Broker. Publish
// failures surface as crawler.ErrBrokerUnavailable once retries run out;
// Consume restarts after broker read errors until ctx ends.
type Retrying struct {
	broker crawler.Broker
	policy *crawler.ExponentialRetryPolicy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetrying wraps broker. A nil policy uses the default exponential policy.
func NewRetrying(broker crawler.Broker, policy *crawler.ExponentialRetryPolicy, logger *zap.Logger) *Retrying {
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{broker: broker, policy: policy, logger: logger, sleep: sleepCtx}
}

// Publish retries transient publish failures.
func (r *Retrying) Publish(ctx context.Context, queue string, task crawler.Task) error {
	for attempt := 1; ; attempt++ {
		err := r.broker.Publish(ctx, queue, task)
		if err == nil {
			return nil
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return fmt.Errorf("publish %s to %s: %w: %w", task.ID, queue, crawler.ErrBrokerUnavailable, err)
		}
		wait := r.policy.Backoff(attempt)
		r.logger.Warn("publish failed, retrying",
			zap.String("queue", queue),
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("publish %s to %s: %w: %w", task.ID, queue, crawler.ErrBrokerUnavailable, serr)
		}
	}
}

// Consume keeps the consume loop alive across broker errors.
func (r *Retrying) Consume(ctx context.Context, queue string, handler crawler.Handler) error {
	attempt := 0
	for {
		err := r.broker.Consume(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		attempt++
		wait := r.policy.Backoff(min(attempt, r.policy.MaxAttempts()))
		r.logger.Error("consume loop failed, restarting",
			zap.String("queue", queue),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, wait); serr != nil {
			return nil
		}
	}
}

// Close closes the wrapped broker.
func (r *Retrying) Close() error {
	return r.broker.Close()
}

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New("queue closed")

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

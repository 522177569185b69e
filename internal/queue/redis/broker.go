// Package redis implements crawler.Broker on Redis Streams with one stream
// and consumer group per queue.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

const (
	// TaskField is the stream entry field holding the JSON task.
	TaskField = "task"

	defaultGroup        = "workers"
	defaultBlock        = 2 * time.Second
	defaultBatchSize    = 10
	defaultClaimMinIdle = 5 * time.Minute
	defaultMaxStreamLen = 100_000
	maxPendingCheck     = 100
)

// Config holds Streams broker settings.
type Config struct {
	Prefix       string        `mapstructure:"prefix"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	Block        time.Duration `mapstructure:"block"`
	BatchSize    int64         `mapstructure:"batch_size"`
	ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`
	MaxStreamLen int64         `mapstructure:"max_stream_len"`
}

// Broker publishes with XADD and consumes with XREADGROUP. Entries whose
// handler failed stay pending and are reclaimed with XCLAIM after
// ClaimMinIdle.
type Broker struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]bool
}

// New builds a Broker on client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Broker {
	if cfg.Prefix == "" {
		cfg.Prefix = "feedcrawl"
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer"
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = defaultClaimMinIdle
	}
	if cfg.MaxStreamLen <= 0 {
		cfg.MaxStreamLen = defaultMaxStreamLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, cfg: cfg, logger: logger, groups: make(map[string]bool)}
}

// StreamName returns the stream key for queue.
func (b *Broker) StreamName(queue string) string {
	return fmt.Sprintf("%s:queue:%s", b.cfg.Prefix, queue)
}

// Publish appends the task; XADD returning an id means Redis accepted it.
func (b *Broker) Publish(ctx context.Context, queue string, task crawler.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamName(queue),
		MaxLen: b.cfg.MaxStreamLen,
		Approx: true,
		Values: map[string]any{TaskField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) ensureGroup(ctx context.Context, stream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[stream] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	b.groups[stream] = true
	return nil
}

// Consume reads queue until ctx ends. A read error is returned so the
// caller's retry loop can back off.
func (b *Broker) Consume(ctx context.Context, queue string, handler crawler.Handler) error {
	stream := b.StreamName(queue)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := b.reclaim(ctx, stream)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			msgs, err = b.read(ctx, stream)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return nil
			}
			b.deliver(ctx, stream, msg, handler)
		}
	}
}

func (b *Broker) read(ctx context.Context, stream string) ([]redis.XMessage, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    b.cfg.BatchSize,
		Block:    b.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	var out []redis.XMessage
	for _, s := range res {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (b *Broker) reclaim(ctx context.Context, stream string) ([]redis.XMessage, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= b.cfg.ClaimMinIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	return msgs, nil
}

func (b *Broker) deliver(ctx context.Context, stream string, msg redis.XMessage, handler crawler.Handler) {
	task, err := decodeTask(msg)
	if err != nil {
		b.logger.Error("dropping malformed stream entry",
			zap.String("stream", stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
		b.ack(ctx, stream, msg.ID)
		return
	}
	if err := handler(ctx, task); err != nil {
		b.logger.Warn("task left pending for redelivery",
			zap.String("stream", stream),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}
	b.ack(ctx, stream, msg.ID)
}

func (b *Broker) ack(ctx context.Context, stream, id string) {
	if err := b.client.XAck(context.WithoutCancel(ctx), stream, b.cfg.Group, id).Err(); err != nil {
		b.logger.Warn("xack failed", zap.String("stream", stream), zap.String("entry_id", id), zap.Error(err))
	}
}

func decodeTask(msg redis.XMessage) (crawler.Task, error) {
	raw, ok := msg.Values[TaskField].(string)
	if !ok {
		return crawler.Task{}, errors.New("missing or invalid task field")
	}
	var task crawler.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return crawler.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, nil
}

// Close releases nothing: the client is shared with the dedup index and is
// closed by its owner.
func (b *Broker) Close() error {
	return nil
}

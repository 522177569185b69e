// Package pubsub implements crawler.Broker on Google Cloud Pub/Sub. Each
// queue maps to one topic and one subscription with the same id.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/queue"
)

// Config holds Pub/Sub broker settings.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	// Prefix is prepended to queue names to form topic and subscription ids.
	Prefix string `mapstructure:"prefix"`
	// MaxOutstanding bounds unacked messages per Consume call.
	MaxOutstanding int `mapstructure:"max_outstanding"`
}

// Broker publishes through cached per-topic publishers and consumes with
// streaming pull. A handler error nacks the message for redelivery.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	closed     bool
}

// New builds a Broker on client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Broker {
	if cfg.Prefix == "" {
		cfg.Prefix = "feedcrawl-"
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// ResourceID returns the topic and subscription id used for queue.
func (b *Broker) ResourceID(q string) string {
	return b.cfg.Prefix + q
}

func (b *Broker) topicName(q string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.client.Project(), b.ResourceID(q))
}

func (b *Broker) subscriptionName(q string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", b.client.Project(), b.ResourceID(q))
}

// EnsureQueue creates the topic and subscription for queue when missing.
func (b *Broker) EnsureQueue(ctx context.Context, q string) error {
	topic := b.topicName(q)
	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	sub := b.subscriptionName(q)
	_, err = b.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  sub,
		Topic: topic,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription %s: %w", sub, err)
	}
	return nil
}

func (b *Broker) publisher(q string) (*pubsub.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	p, ok := b.publishers[q]
	if !ok {
		p = b.client.Publisher(b.ResourceID(q))
		b.publishers[q] = p
	}
	return p, nil
}

// Publish marshals the task to JSON and waits for the server ack.
func (b *Broker) Publish(ctx context.Context, q string, task crawler.Task) error {
	p, err := b.publisher(q)
	if err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{"task_type": string(task.Type)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", q, err)
	}
	return nil
}

// Consume receives from the queue's subscription until ctx ends.
func (b *Broker) Consume(ctx context.Context, q string, handler crawler.Handler) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}

	sub := b.client.Subscriber(b.ResourceID(q))
	sub.ReceiveSettings.MaxOutstandingMessages = b.cfg.MaxOutstanding
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: m.Attributes})
		var task crawler.Task
		if err := json.Unmarshal(m.Data, &task); err != nil {
			b.logger.Error("dropping malformed message",
				zap.String("queue", q),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			m.Ack()
			return
		}
		if err := handler(ctx, task); err != nil {
			b.logger.Warn("task nacked for redelivery",
				zap.String("queue", q),
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive %s: %w", q, err)
	}
	return nil
}

// Close flushes publishers and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubs := b.publishers
	b.publishers = nil
	b.mu.Unlock()

	for _, p := range pubs {
		p.Stop()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

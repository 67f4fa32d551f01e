// Package pubsub publishes status change events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
)

// Config names the topic events go to.
type Config struct {
	ProjectID string
	TopicID   string
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ linestatus.EventPublisher = (*Publisher)(nil)

// Open connects to Pub/Sub and binds the configured topic. The topic must
// already exist.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("events.pubsub project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(cfg.TopicID)}, nil
}

// New creates a Publisher for an existing topic handle.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the event to JSON and waits for the server-assigned ID.
// Kind and line travel as attributes so subscribers can filter.
func (p *Publisher) Publish(ctx context.Context, evt linestatus.StatusChangeEvent) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id":  evt.ID,
			"kind":      string(evt.Kind),
			"line":      evt.Line,
			"is_normal": strconv.FormatBool(evt.IsNormal),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		metrics.ObserveEventPublish("pubsub", metrics.OutcomeFailure)
		return "", fmt.Errorf("publish event: %w", err)
	}
	metrics.ObserveEventPublish("pubsub", metrics.OutcomeSuccess)
	return id, nil
}

// Close flushes pending messages and releases the client when Open built it.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
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

// Package pubsub announces finished harvest runs on a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/coordinator"
)

// EventRunFinished is the event attribute on run summary messages.
const EventRunFinished = "harvest.run.finished"

// Config names the project and topic.
type Config struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	Topic     string `mapstructure:"topic" yaml:"topic"`
}

// Publisher implements coordinator.Publisher.
type Publisher struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

// Open connects to Pub/Sub and checks that the topic exists.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub requires a project id and a topic")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil || !ok {
		_ = client.Close()
		if err == nil {
			err = errors.New("topic does not exist")
		}
		return nil, fmt.Errorf("pubsub topic %q: %w", cfg.Topic, err)
	}
	p := New(topic, logger)
	p.client = client
	return p, nil
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{topic: topic, propagator: otel.GetTextMapPropagator(), logger: logger}
}

// WithPropagator overrides the trace-context propagator.
func (p *Publisher) WithPropagator(prop propagation.TextMapPropagator) *Publisher {
	p.propagator = prop
	return p
}

// PublishSummary publishes the run summary as JSON and waits for the
// server acknowledgement.
func (p *Publisher) PublishSummary(ctx context.Context, s coordinator.Summary) error {
	if p.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":        EventRunFinished,
			"run_id":       s.RunID,
			"tasks_failed": strconv.Itoa(s.TasksFailed),
		},
	}
	p.propagator.Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish run %s summary: %w", s.RunID, err)
	}
	p.logger.Info("run summary published", zap.String("run_id", s.RunID), zap.String("message_id", id))
	return nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

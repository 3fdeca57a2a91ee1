package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the local bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
// Local subscribers still get immediate in-process fan-out.
type PubSubBus struct {
	*LocalBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to Pub/Sub, creating the topic if needed.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pubsub create topic: %w", err)
		}
	}

	// Per-task ordering: consumers see one task's transitions in order.
	topic.EnableMessageOrdering = true

	return &PubSubBus{
		LocalBus: NewLocalBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}, nil
}

// Publish fans out locally and pushes the event to Pub/Sub.
func (b *PubSubBus) Publish(e *Event) {
	b.LocalBus.Publish(e)

	payload, err := e.JSON()
	if err != nil {
		b.logger.Printf("marshal event %s: %v", e.ID, err)
		return
	}
	result := b.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":    e.Type,
			"task_id": e.TaskID,
		},
		OrderingKey: e.TaskID,
	})
	// Result is checked off the hot path; a lost event is tolerable.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			b.logger.Printf("pubsub publish %s: %v", e.ID, err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (b *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("pubsub health: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic missing")
	}
	return nil
}

// Close stops the topic publisher and closes the client.
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub close: %w", err)
	}
	return nil
}

var _ Bus = (*PubSubBus)(nil)

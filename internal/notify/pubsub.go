package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubNotifier publishes alerts to a Cloud Pub/Sub topic for durable
// delivery to downstream consumers.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifier wraps a client. The topic must already exist.
func NewPubSubNotifier(client *pubsub.Client, topicID string) *PubSubNotifier {
	return &PubSubNotifier{client: client, topic: client.Topic(topicID)}
}

// DialPubSub connects to the project and checks that the topic exists.
func DialPubSub(ctx context.Context, project, topicID string) (*PubSubNotifier, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	n := NewPubSubNotifier(client, topicID)
	ok, err := n.topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("checking topic %s: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}
	return n, nil
}

// Notify publishes the alert and waits for the server ack.
func (n *PubSubNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	res := n.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":     a.Type,
			"severity": string(a.Severity),
			"tool":     a.RelatedTool,
			"time":     a.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}

// Package publisher pushes crawl notices to a message broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/deepcrawl/internal/crawler"
)

// Config identifies the Pub/Sub topic notices go to.
type Config struct {
	ProjectID string
	TopicName string
}

// PubSub implements crawler.Publisher on Google Cloud Pub/Sub.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSub creates a client and verifies the topic exists before
// returning. It authenticates with Application Default Credentials
// unless opts override that.
func NewPubSub(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicName, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicName, cfg.ProjectID)
	}

	return &PubSub{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// Publish sends notice as JSON and blocks until the server assigns a
// message ID.
func (p *PubSub) Publish(ctx context.Context, notice crawler.Notice) (string, error) {
	data, err := json.Marshal(notice)
	if err != nil {
		return "", fmt.Errorf("marshal notice: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":   notice.Kind,
			"run_id": notice.RunID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notice: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and closes the client connection.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

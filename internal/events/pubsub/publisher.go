// Package pubsub publishes outcome events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/YallaPapi/pubscrape-sub005/internal/events"
)

// Config selects the project and default topic.
type Config struct {
	ProjectID   string `mapstructure:"project_id"`
	Topic       string `mapstructure:"topic"`
	CreateTopic bool   `mapstructure:"create_topic"`
}

// Publisher wraps a Pub/Sub client and caches topic handles by name.
type Publisher struct {
	client *pubsub.Client
	owned  bool
	create bool
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Open creates a client for cfg.ProjectID and verifies the default topic.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client, logger)
	p.owned = true
	p.create = cfg.CreateTopic
	if cfg.Topic != "" {
		if _, err := p.topic(ctx, cfg.Topic); err != nil {
			if closeErr := client.Close(); closeErr != nil {
				p.logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
			}
			return nil, err
		}
	}
	return p, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *pubsub.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON and publishes it to topic, waiting
// for the server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	t, err := p.topic(ctx, topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if ev, ok := payload.(events.Event); ok {
		msg.Attributes["type"] = string(ev.Type)
		msg.Attributes["target"] = ev.Target
	}
	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	if name == "" {
		return nil, errors.New("pubsub topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t := p.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", name, err)
	}
	if !exists {
		if !p.create {
			return nil, fmt.Errorf("pubsub topic %q does not exist", name)
		}
		if t, err = p.client.CreateTopic(ctx, name); err != nil {
			return nil, fmt.Errorf("create pubsub topic %q: %w", name, err)
		}
		p.logger.Info("pubsub topic created", zap.String("topic", name))
	}
	p.topics[name] = t
	return t, nil
}

// Close flushes every topic and closes the client when Open created it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	if p.owned && p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

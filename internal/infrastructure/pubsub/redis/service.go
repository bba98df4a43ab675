package redispubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfees/feesd/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const defaultChannel = "feesd:alerts"

type Option func(*service)

func WithChannel(channel string) Option {
	return func(s *service) {
		s.channel = channel
	}
}

type envelope struct {
	Topic   ports.Topic `json:"topic"`
	Message any         `json:"message"`
	SentAt  int64       `json:"sentAt"`
}

type service struct {
	client  *redis.Client
	channel string
}

// NewService returns an Alerts publisher that fans messages out on a Redis
// pub/sub channel, for observers living in other processes.
func NewService(redisURL string, opts ...Option) (ports.Alerts, error) {
	if len(redisURL) == 0 {
		return nil, fmt.Errorf("redis URL is required")
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	svc := &service{
		client:  client,
		channel: defaultChannel,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	payload, err := json.Marshal(envelope{
		Topic:   topic,
		Message: message,
		SentAt:  time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert to redis: %w", err)
	}
	return nil
}

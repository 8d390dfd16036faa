// Package notify delivers staged notifications. Processors write rows into
// the indexer_notifications outbox inside their job transactions; the
// dispatcher drains the outbox after commit and fans each row out to the
// configured channels.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
)

// Notification is one outbox row to deliver.
type Notification struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Target    string          `json:"target"`
	Template  string          `json:"template"`
	Payload   json.RawMessage `json:"payload"`
	ContestID string          `json:"contestId,omitempty"`
	ChainID   uint64          `json:"chainId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Channel delivers a notification somewhere external.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
// Receivers verify it against the X-Indexer-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookChannel POSTs notifications to a fixed URL, HMAC-signed when a
// secret is configured.
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookChannel(url, secret string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Indexer-Template", n.Template)
	req.Header.Set("X-Indexer-Notification-ID", n.ID)
	if c.secret != "" {
		req.Header.Set("X-Indexer-Signature", "sha256="+SignPayload(body, c.secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// RedisChannel publishes notifications on a Redis pub/sub channel for
// in-cluster consumers.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

func NewRedisChannel(client *redis.Client, channel string) *RedisChannel {
	if channel == "" {
		channel = "indexer.notifications"
	}
	return &RedisChannel{client: client, channel: channel}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// PubSubChannel publishes notifications to a Google Pub/Sub topic for
// downstream pipelines outside the cluster.
type PubSubChannel struct {
	topic *pubsub.Topic
}

func NewPubSubChannel(topic *pubsub.Topic) *PubSubChannel {
	return &PubSubChannel{topic: topic}
}

func (c *PubSubChannel) Name() string { return "pubsub" }

func (c *PubSubChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	res := c.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"template":  n.Template,
			"contestId": n.ContestID,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// Package notify delivers engine notification intents.
//
// The engine only decides that someone should hear about something. This
// package hands that intent to the outside world: a log line in development,
// or a Redis list that the messaging service drains in production.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/tutorly/credit-engine/engine"
)

// DefaultList is the Redis list intents are pushed to.
const DefaultList = "tutoring:notifications"

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes each intent to the standard logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, in engine.Intent) error {
	log.Printf("[Notify] %s -> %s: %s %s", in.Kind, in.RecipientID, in.Message, in.Link)
	return nil
}

// =============================================================================
// REDIS OUTBOX
// =============================================================================

// RedisNotifier appends intents as JSON to a Redis list (RPUSH), preserving
// emission order for the consumer.
type RedisNotifier struct {
	client *redis.Client
	list   string
}

func NewRedis(client *redis.Client, list string) *RedisNotifier {
	if list == "" {
		list = DefaultList
	}
	return &RedisNotifier{client: client, list: list}
}

func (n *RedisNotifier) Notify(ctx context.Context, in engine.Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	if err := n.client.RPush(ctx, n.list, data).Err(); err != nil {
		return fmt.Errorf("push intent to %s: %w", n.list, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every notifier and joins their errors.
type Multi []engine.Notifier

func (m Multi) Notify(ctx context.Context, in engine.Intent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

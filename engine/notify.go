package engine

import (
	"context"
	"log"
	"time"

	"github.com/tutorly/credit-engine/observability"
)

// Intent is a message the notification collaborator should deliver.
// Delivery (email, push, chat) is not the engine's concern.
type Intent struct {
	RecipientID string    `json:"recipient_id"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Link        string    `json:"link,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notifier receives intents.
type Notifier interface {
	Notify(ctx context.Context, intent Intent) error
}

// NopNotifier drops every intent.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Intent) error { return nil }

// send delivers an intent after the state change has committed. A failed
// notification never undoes the change; it is logged and counted.
func send(ctx context.Context, n Notifier, intent Intent) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, intent); err != nil {
		observability.NotificationIntents.WithLabelValues(intent.Kind, "failed").Inc()
		log.Printf("[Notify] failed to send %s to %s: %v", intent.Kind, intent.RecipientID, err)
		return
	}
	observability.NotificationIntents.WithLabelValues(intent.Kind, "sent").Inc()
}

// Send is send for callers outside the engine (the daily digest).
func Send(ctx context.Context, n Notifier, intent Intent) { send(ctx, n, intent) }

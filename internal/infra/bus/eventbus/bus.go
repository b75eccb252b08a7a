// Package eventbus defines in-process pub/sub for domain events.
package eventbus

import (
	"context"

	"github.com/coachpo/gestion360/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes one event. Handlers run on the publisher's goroutine and must be safe for
// concurrent use when several goroutines publish.
type Handler func(ctx context.Context, evt schema.Event) error

// Bus delivers events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, topic schema.Topic, payload any) error
	Subscribe(topic schema.Topic, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

package linestatus

import (
	"context"
	"time"
)

// Fetcher produces a fresh Snapshot, retrying internally.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// PageDriver performs a single attempt against the status page and returns
// the trimmed status text. It must release every resource it opens before
// returning.
type PageDriver interface {
	ReadStatus(ctx context.Context) (string, error)
}

// StatusSource is the cache-aware read path used by the scheduler.
type StatusSource interface {
	Get(ctx context.Context, useCache bool) (Snapshot, error)
}

// SubscriberStore is the durable keyed collection of push subscribers.
type SubscriberStore interface {
	ListAll(ctx context.Context) ([]Subscriber, error)
	Get(ctx context.Context, endpoint string) (Subscriber, bool, error)
	Add(ctx context.Context, sub Subscriber) error
	Remove(ctx context.Context, endpoint string) (bool, error)
	RemoveInvalid(ctx context.Context, endpoints []string) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Broadcaster fans a payload out to subscribers.
type Broadcaster interface {
	Send(ctx context.Context, sub Subscriber, payload NotificationPayload) error
	BroadcastAll(ctx context.Context, subs []Subscriber, payload NotificationPayload) DispatchResult
}

// PushTransport delivers an encoded payload to one endpoint and returns the
// push service's HTTP status code.
type PushTransport interface {
	Push(ctx context.Context, sub Subscriber, body []byte) (int, error)
}

// EventPublisher records status transitions for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, evt StatusChangeEvent) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

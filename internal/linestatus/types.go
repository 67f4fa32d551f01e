package linestatus

import (
	"strings"
	"time"
)

// DefaultNormalMarker is the text the status page shows while the line runs normally.
const DefaultNormalMarker = "平常運転"

// Snapshot is one observed reading of the line status.
type Snapshot struct {
	RawText    string    `json:"status"`
	IsNormal   bool      `json:"is_normal"`
	Detail     string    `json:"detail,omitempty"`
	CapturedAt time.Time `json:"last_updated"`
}

// Classify builds a Snapshot from raw page text. The text is normal iff it
// contains marker; any other text is abnormal and kept verbatim as Detail.
func Classify(raw, marker string, capturedAt time.Time) Snapshot {
	if marker == "" {
		marker = DefaultNormalMarker
	}
	text := strings.TrimSpace(raw)
	snap := Snapshot{
		RawText:    text,
		IsNormal:   strings.Contains(text, marker),
		CapturedAt: capturedAt,
	}
	if !snap.IsNormal {
		snap.Detail = text
	}
	return snap
}

// CacheEntry wraps a Snapshot with the time it was stored.
type CacheEntry struct {
	Snapshot Snapshot
	CachedAt time.Time
}

// SubscriberKeys holds the client-side encryption material of a push subscription.
type SubscriberKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscriber is a registered push endpoint. Endpoint is the primary key.
type Subscriber struct {
	Endpoint  string         `json:"endpoint"`
	Keys      SubscriberKeys `json:"keys"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// Validate reports malformed subscriptions.
func (s Subscriber) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return &ValidationError{Field: "endpoint", Reason: "is required"}
	}
	if !strings.HasPrefix(s.Endpoint, "https://") && !strings.HasPrefix(s.Endpoint, "http://") {
		return &ValidationError{Field: "endpoint", Reason: "must be an http(s) URL"}
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return &ValidationError{Field: "keys", Reason: "p256dh and auth are required"}
	}
	return nil
}

// PayloadData is the machine-readable part of a notification.
type PayloadData struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NotificationPayload is the JSON document delivered to the service worker.
type NotificationPayload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Icon  string      `json:"icon,omitempty"`
	Badge string      `json:"badge,omitempty"`
	Data  PayloadData `json:"data"`
}

// DispatchResult aggregates the outcome of one broadcast.
type DispatchResult struct {
	Succeeded        int      `json:"succeeded"`
	Failed           int      `json:"failed"`
	InvalidEndpoints []string `json:"invalid_endpoints"`
}

// SchedulerState is a read-only copy of the scheduler's retained observation.
type SchedulerState struct {
	LastStatus              *string    `json:"last_status"`
	LastCheckTime           *time.Time `json:"last_check_time"`
	IsDelayed               bool       `json:"is_delayed"`
	LastNotificationTime    *time.Time `json:"last_notification_time"`
	BackgroundMonitorActive bool       `json:"background_monitor_active"`
}

// CheckResult is returned by one scheduler cycle.
type CheckResult struct {
	Status           string `json:"status"`
	NotificationSent bool   `json:"notification_sent"`
	Error            string `json:"error,omitempty"`
}

// TransitionKind labels a notification-worthy transition.
type TransitionKind string

// Transition kinds emitted by the scheduler.
const (
	TransitionInitial  TransitionKind = "initial"
	TransitionOnset    TransitionKind = "onset"
	TransitionRecovery TransitionKind = "recovery"
)

// StatusChangeEvent is published for every notification-worthy transition.
type StatusChangeEvent struct {
	ID         string         `json:"id"`
	Line       string         `json:"line"`
	Status     string         `json:"status"`
	IsNormal   bool           `json:"is_normal"`
	Recovered  bool           `json:"recovered"`
	Kind       TransitionKind `json:"kind"`
	OccurredAt time.Time      `json:"occurred_at"`
	Delivery   DispatchResult `json:"delivery"`
}

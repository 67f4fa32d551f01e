package dispatcher

import (
	"fmt"
	"time"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// Templates builds the payloads sent to subscribers.
type Templates struct {
	Line  string
	Icon  string
	Badge string
	clock linestatus.Clock
}

// Default asset paths served alongside the web client.
const (
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
)

// NewTemplates builds payload templates for line. Empty icon and badge use
// the defaults.
func NewTemplates(line, icon, badge string, clock linestatus.Clock) *Templates {
	if icon == "" {
		icon = DefaultIcon
	}
	if badge == "" {
		badge = DefaultBadge
	}
	return &Templates{Line: line, Icon: icon, Badge: badge, clock: clock}
}

// StatusChange builds the payload for a scheduler transition.
func (t *Templates) StatusChange(kind linestatus.TransitionKind, status string) linestatus.NotificationPayload {
	var title string
	switch kind {
	case linestatus.TransitionRecovery:
		title = fmt.Sprintf("🚃 %s: 平常運転に復旧しました", t.Line)
	case linestatus.TransitionOnset:
		title = fmt.Sprintf("🚃 %s: 運行状況に変化があります", t.Line)
	default:
		title = fmt.Sprintf("🚃 %s: 運行に支障があります", t.Line)
	}
	return t.Custom(title, status, status)
}

// Test builds the confirmation payload sent right after subscribing.
func (t *Templates) Test() linestatus.NotificationPayload {
	return t.Custom(t.Line+"運行情報 - テスト通知", "プッシュ通知が正常に設定されました。", "テスト")
}

// Custom builds an arbitrary payload with the configured icon and badge.
func (t *Templates) Custom(title, body, status string) linestatus.NotificationPayload {
	return linestatus.NotificationPayload{
		Title: title,
		Body:  body,
		Icon:  t.Icon,
		Badge: t.Badge,
		Data: linestatus.PayloadData{
			Status:    status,
			Timestamp: t.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
	}
}

func (t *Templates) now() time.Time {
	if t.clock == nil {
		return time.Now()
	}
	return t.clock.Now()
}

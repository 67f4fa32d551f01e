// Package fixture provides a scripted PageDriver for development and demos.
package fixture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// DefaultTexts is the rotation served when no texts are configured.
var DefaultTexts = []string{
	"平常運転",
	"遅延：大宮～上尾駅間で発生した人身事故の影響で、一部列車に遅れが出ています。",
	"運転見合わせ：強風の影響により、高崎～籠原駅間で運転を見合わせています。",
	"平常運転",
	"遅延：車両点検の影響で、上下線で約10分の遅れが発生しています。",
}

// Driver cycles through a fixed list of status texts.
type Driver struct {
	mu    sync.Mutex
	texts []string
	next  int
	delay time.Duration
}

var _ linestatus.PageDriver = (*Driver)(nil)

// New builds a Driver. Empty texts fall back to DefaultTexts; delay
// simulates page latency.
func New(texts []string, delay time.Duration) *Driver {
	if len(texts) == 0 {
		texts = DefaultTexts
	}
	return &Driver{
		texts: append([]string(nil), texts...),
		delay: delay,
	}
}

// ReadStatus returns the next scripted text.
func (d *Driver) ReadStatus(ctx context.Context) (string, error) {
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", linestatus.ErrNavigationTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	text := d.texts[d.next]
	d.next = (d.next + 1) % len(d.texts)
	return text, nil
}

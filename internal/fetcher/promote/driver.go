// Package promote combines a cheap static driver with a headless one. The
// static probe runs first; when the page loads but the status element is
// missing (it is rendered by script), the read is promoted to the headless
// driver. After a promotion the probe is skipped for a while so every check
// does not pay for a useless static request.
package promote

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// DefaultProbeBackoff is how long the static probe is skipped after a promotion.
const DefaultProbeBackoff = time.Hour

// Driver implements linestatus.PageDriver with static-first promotion.
type Driver struct {
	probe    linestatus.PageDriver
	headless linestatus.PageDriver
	clock    linestatus.Clock
	backoff  time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	skipProbeTo time.Time
}

var _ linestatus.PageDriver = (*Driver)(nil)

// New wires a promoting driver. backoff <= 0 uses DefaultProbeBackoff.
func New(probe, headless linestatus.PageDriver, clock linestatus.Clock, backoff time.Duration, logger *zap.Logger) (*Driver, error) {
	if probe == nil || headless == nil {
		return nil, errors.New("promote: probe and headless drivers are required")
	}
	if clock == nil {
		return nil, errors.New("promote: clock is required")
	}
	if backoff <= 0 {
		backoff = DefaultProbeBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		probe:    probe,
		headless: headless,
		clock:    clock,
		backoff:  backoff,
		logger:   logger.Named("promote"),
	}, nil
}

// ReadStatus tries the probe, then the headless driver on a content failure.
// Transport failures from the probe are returned as-is so the fetcher's retry
// policy sees them.
func (d *Driver) ReadStatus(ctx context.Context) (string, error) {
	if d.probeSkipped() {
		return d.headless.ReadStatus(ctx)
	}
	text, err := d.probe.ReadStatus(ctx)
	if err == nil {
		return text, nil
	}
	if !shouldPromote(err) {
		return "", err
	}

	d.logger.Info("headless promotion applied", zap.Error(err))
	text, herr := d.headless.ReadStatus(ctx)
	if herr != nil {
		d.logger.Warn("headless promotion failed", zap.Error(herr))
		return "", herr
	}
	d.mu.Lock()
	d.skipProbeTo = d.clock.Now().Add(d.backoff)
	d.mu.Unlock()
	return text, nil
}

// Promoted reports whether the probe is currently being skipped.
func (d *Driver) Promoted() bool {
	return d.probeSkipped()
}

func (d *Driver) probeSkipped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Now().Before(d.skipProbeTo)
}

// shouldPromote reports whether the static page loaded without usable text.
func shouldPromote(err error) bool {
	return linestatus.IsContentError(err)
}

// Package fetcher turns a single-attempt PageDriver into a retrying
// linestatus.Fetcher.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
	"github.com/JakeFAU/linewatch/internal/retry"
)

// DefaultAttemptTimeout bounds one driver attempt.
const DefaultAttemptTimeout = 30 * time.Second

// Config controls the retry budget and classification of a StatusFetcher.
type Config struct {
	// DriverName labels metrics and logs.
	DriverName     string
	NormalMarker   string
	AttemptTimeout time.Duration
	Retry          retry.Policy
}

// StatusFetcher runs a PageDriver with bounded retries and classifies the
// resulting text.
type StatusFetcher struct {
	driver  linestatus.PageDriver
	cfg     Config
	stamper *linestatus.Stamper
	logger  *zap.Logger
}

var _ linestatus.Fetcher = (*StatusFetcher)(nil)

// New wires a StatusFetcher. A nil logger disables logging.
func New(driver linestatus.PageDriver, clock linestatus.Clock, cfg Config, logger *zap.Logger) (*StatusFetcher, error) {
	if driver == nil {
		return nil, errors.New("fetcher: driver is required")
	}
	if clock == nil {
		return nil, errors.New("fetcher: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DriverName == "" {
		cfg.DriverName = "unknown"
	}
	if cfg.NormalMarker == "" {
		cfg.NormalMarker = linestatus.DefaultNormalMarker
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = retry.DefaultMaxDelay
	}
	return &StatusFetcher{
		driver:  driver,
		cfg:     cfg,
		stamper: linestatus.NewStamper(clock),
		logger:  logger.Named("fetcher"),
	}, nil
}

// Fetch reads the status page, retrying transport and lookup failures.
// Empty content is returned immediately. The terminal error is always a
// *linestatus.ScrapingError.
func (f *StatusFetcher) Fetch(ctx context.Context) (linestatus.Snapshot, error) {
	start := time.Now()
	policy := f.cfg.Retry
	policy.Retryable = retryable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.logger.Warn("status fetch attempt failed, retrying",
			zap.String("driver", f.cfg.DriverName),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}

	var text string
	attempts, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		raw, err := f.attempt(ctx)
		if err != nil {
			metrics.ObserveFetchAttempt(f.cfg.DriverName, metrics.OutcomeFailure)
			return err
		}
		metrics.ObserveFetchAttempt(f.cfg.DriverName, metrics.OutcomeSuccess)
		text = raw
		return nil
	})
	if err != nil {
		metrics.ObserveFetch(metrics.OutcomeFailure, time.Since(start))
		f.logger.Error("status fetch failed",
			zap.String("driver", f.cfg.DriverName),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return linestatus.Snapshot{}, &linestatus.ScrapingError{Attempts: attempts, Err: err}
	}

	metrics.ObserveFetch(metrics.OutcomeSuccess, time.Since(start))
	snap := linestatus.Classify(text, f.cfg.NormalMarker, f.stamper.Next())
	f.logger.Debug("status fetched",
		zap.String("status", snap.RawText),
		zap.Bool("normal", snap.IsNormal),
		zap.Int("attempts", attempts),
		zap.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

func (f *StatusFetcher) attempt(ctx context.Context) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	raw, err := f.driver.ReadStatus(attemptCtx)
	if err != nil {
		if !isCategorized(err) && errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", linestatus.ErrNavigationTimeout, err)
		}
		return "", err
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", linestatus.ErrEmptyContent
	}
	return text, nil
}

func retryable(err error) bool {
	return !errors.Is(err, linestatus.ErrEmptyContent)
}

func isCategorized(err error) bool {
	return errors.Is(err, linestatus.ErrNetwork) ||
		errors.Is(err, linestatus.ErrNavigationTimeout) ||
		linestatus.IsContentError(err)
}

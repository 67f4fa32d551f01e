package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // Asia/Tokyo must resolve on minimal images

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// Cron defaults: weekday mornings and evenings in Japan.
const (
	DefaultCronSpec = "0 7,17 * * 1-5"
	DefaultTimezone = "Asia/Tokyo"
)

// Checker runs one observation cycle.
type Checker interface {
	Check(ctx context.Context, useCache bool) linestatus.CheckResult
}

// CronConfig configures the primary schedule.
type CronConfig struct {
	Spec         string
	Timezone     string
	CheckTimeout time.Duration
}

// Cron drives a Checker on a cron schedule.
type Cron struct {
	cron    *cron.Cron
	entry   cron.EntryID
	checker Checker
	timeout time.Duration
	logger  *zap.Logger

	base   context.Context
	cancel context.CancelFunc
}

// NewCron parses the schedule and registers the check job. Overlapping ticks
// are skipped and panics are recovered.
func NewCron(checker Checker, cfg CronConfig, logger *zap.Logger) (*Cron, error) {
	if checker == nil {
		return nil, errors.New("cron: checker is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultCronSpec
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	adapter := cronLogger{logger: logger.Sugar()}
	base, cancel := context.WithCancel(context.Background())
	c := &Cron{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		checker: checker,
		timeout: cfg.CheckTimeout,
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
	entry, err := c.cron.AddFunc(cfg.Spec, c.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse cron spec %q: %w", cfg.Spec, err)
	}
	c.entry = entry
	return c, nil
}

func (c *Cron) tick() {
	ctx, cancel := context.WithTimeout(c.base, c.timeout)
	defer cancel()
	start := time.Now()
	res := c.checker.Check(ctx, true)
	fields := []zap.Field{
		zap.String("status", res.Status),
		zap.Bool("notification_sent", res.NotificationSent),
		zap.Duration("duration", time.Since(start)),
	}
	if res.Error != "" {
		c.logger.Warn("scheduled check failed", append(fields, zap.String("error", res.Error))...)
		return
	}
	c.logger.Info("scheduled check complete", fields...)
}

// Start begins running the schedule in the background.
func (c *Cron) Start() {
	c.cron.Start()
	c.logger.Info("cron started", zap.Time("next", c.Next()))
}

// Next reports the next scheduled run, or the zero time before Start.
func (c *Cron) Next() time.Time {
	return c.cron.Entry(c.entry).Next
}

// Stop halts the schedule, cancels a running check and waits for it to
// return or for ctx to expire.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	c.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running check: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// IsWeekday reports whether t falls on Monday through Friday in its own
// location.
func IsWeekday(t time.Time) bool {
	day := t.Weekday()
	return day >= time.Monday && day <= time.Friday
}

// IsScheduledTime reports whether t is exactly 07:00 or 17:00 (to the
// minute) in its own location.
func IsScheduledTime(t time.Time) bool {
	if t.Minute() != 0 {
		return false
	}
	return t.Hour() == 7 || t.Hour() == 17
}

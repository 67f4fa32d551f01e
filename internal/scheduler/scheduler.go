// Package scheduler decides when a line status change is worth a push
// notification and keeps the state that decision depends on.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/id/uuid"
	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
)

// Defaults for Config.
const (
	DefaultCooldown        = 5 * time.Minute
	DefaultMonitorInterval = 30 * time.Minute
	DefaultCheckTimeout    = 2 * time.Minute
)

const tracerName = "github.com/JakeFAU/linewatch/internal/scheduler"

// ErrorStatus is reported in CheckResult.Status when a check fails.
const ErrorStatus = "エラー"

// Check outcomes recorded in metrics.
const (
	outcomeNotified  = "notified"
	outcomeUnchanged = "unchanged"
	outcomeError     = "error"
)

// Config tunes the notification policy.
type Config struct {
	Line string
	// Cooldown is the minimum time between two notifications.
	Cooldown time.Duration
	// MonitorInterval is the period of the re-check loop armed while delayed.
	MonitorInterval time.Duration
	// CheckTimeout bounds checks started by the monitor loop.
	CheckTimeout time.Duration
}

// PayloadBuilder renders the notification for a transition.
type PayloadBuilder interface {
	StatusChange(kind linestatus.TransitionKind, status string) linestatus.NotificationPayload
}

// IDGenerator assigns event IDs.
type IDGenerator interface {
	NewID() (string, error)
}

type state struct {
	lastStatus       *string
	lastCheck        *time.Time
	delayed          bool
	lastNotification *time.Time
}

// monitor is the handle of the loop armed while the line is delayed.
type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one line's observation state. Checks are serialized; the
// state mutex is never held across I/O.
type Scheduler struct {
	source      linestatus.StatusSource
	store       linestatus.SubscriberStore
	broadcaster linestatus.Broadcaster
	payloads    PayloadBuilder
	events      linestatus.EventPublisher
	ids         IDGenerator
	clock       linestatus.Clock
	cfg         Config
	logger      *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	st       state
	monitor  *monitor
	monitors sync.WaitGroup

	base       context.Context
	cancelBase context.CancelFunc
}

// New constructs a Scheduler. events and ids may be nil.
func New(
	source linestatus.StatusSource,
	store linestatus.SubscriberStore,
	broadcaster linestatus.Broadcaster,
	payloads PayloadBuilder,
	events linestatus.EventPublisher,
	ids IDGenerator,
	clock linestatus.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if source == nil || store == nil || broadcaster == nil || payloads == nil {
		return nil, errors.New("scheduler: source, store, broadcaster and payloads are required")
	}
	if clock == nil {
		return nil, errors.New("scheduler: clock is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if ids == nil {
		ids = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		source:      source,
		store:       store,
		broadcaster: broadcaster,
		payloads:    payloads,
		events:      events,
		ids:         ids,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		sem:         make(chan struct{}, 1),
		base:        base,
		cancelBase:  cancel,
	}, nil
}

// decision is what one observation means for notifications.
type decision struct {
	notify bool
	kind   linestatus.TransitionKind
}

// decide applies the transition rules. Only edges between normal and
// abnormal notify, plus an abnormal first observation. A change between two
// abnormal texts is never an edge.
func decide(prev state, snap linestatus.Snapshot, now time.Time, cooldown time.Duration) decision {
	if prev.lastStatus == nil {
		if !snap.IsNormal {
			return decision{notify: true, kind: linestatus.TransitionInitial}
		}
		return decision{}
	}
	if *prev.lastStatus == snap.RawText {
		return decision{}
	}
	if prev.lastNotification != nil && now.Sub(*prev.lastNotification) < cooldown {
		return decision{}
	}
	switch {
	case snap.IsNormal && prev.delayed:
		return decision{notify: true, kind: linestatus.TransitionRecovery}
	case !snap.IsNormal && !prev.delayed:
		return decision{notify: true, kind: linestatus.TransitionOnset}
	}
	return decision{}
}

// Check runs one observation cycle. Failures are reported in the result and
// leave the retained state untouched.
func (s *Scheduler) Check(ctx context.Context, useCache bool) linestatus.CheckResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.Check")
	defer span.End()
	span.SetAttributes(attribute.Bool("linewatch.use_cache", useCache))

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		err := fmt.Errorf("wait for running check: %w", ctx.Err())
		span.SetStatus(codes.Error, err.Error())
		return s.failed(err)
	}
	defer func() { <-s.sem }()

	s.logger.Debug("checking line status", zap.Bool("use_cache", useCache))
	snap, err := s.source.Get(ctx, useCache)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return s.failed(err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	prev := s.st
	s.mu.Unlock()

	d := decide(prev, snap, now, s.cfg.Cooldown)
	if !d.notify && prev.lastStatus != nil && *prev.lastStatus != snap.RawText {
		s.logger.Info("status changed without notification",
			zap.String("previous", *prev.lastStatus),
			zap.String("current", snap.RawText),
		)
	}

	// Once an edge is decided it is committed, so its broadcast must not be
	// cut short by the caller going away. Each send carries its own timeout.
	sent := false
	if d.notify {
		sent = s.notify(context.WithoutCancel(ctx), d.kind, snap, now)
	}

	s.commit(snap, now, sent)

	outcome := outcomeUnchanged
	if sent {
		outcome = outcomeNotified
	}
	metrics.ObserveCheck(outcome)
	metrics.SetDelayed(!snap.IsNormal)
	span.SetAttributes(
		attribute.Bool("linewatch.is_normal", snap.IsNormal),
		attribute.Bool("linewatch.notification_sent", sent),
	)
	return linestatus.CheckResult{Status: snap.RawText, NotificationSent: sent}
}

func (s *Scheduler) failed(err error) linestatus.CheckResult {
	s.logger.Error("status check failed", zap.Error(err))
	metrics.ObserveCheck(outcomeError)
	return linestatus.CheckResult{Status: ErrorStatus, Error: err.Error()}
}

// notify broadcasts the transition and publishes its event. It reports
// whether a broadcast was issued.
func (s *Scheduler) notify(ctx context.Context, kind linestatus.TransitionKind, snap linestatus.Snapshot, now time.Time) bool {
	log := s.logger.With(zap.String("kind", string(kind)), zap.String("status", snap.RawText))

	subs, err := s.store.ListAll(ctx)
	if err != nil {
		log.Error("list subscribers", zap.Error(err))
		return false
	}

	result := linestatus.DispatchResult{InvalidEndpoints: []string{}}
	sent := false
	if len(subs) == 0 {
		log.Info("no subscribers to notify")
		metrics.SetSubscribers(0)
	} else {
		result = s.broadcaster.BroadcastAll(ctx, subs, s.payloads.StatusChange(kind, snap.RawText))
		sent = true
		log.Info("notification broadcast",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("invalid", len(result.InvalidEndpoints)),
		)
		removed := 0
		if len(result.InvalidEndpoints) > 0 {
			removed, err = s.store.RemoveInvalid(ctx, result.InvalidEndpoints)
			if err != nil {
				log.Error("remove invalid subscribers", zap.Error(err))
			}
		}
		metrics.SetSubscribers(len(subs) - removed)
	}

	s.publish(ctx, kind, snap, now, result)
	return sent
}

func (s *Scheduler) publish(ctx context.Context, kind linestatus.TransitionKind, snap linestatus.Snapshot, now time.Time, result linestatus.DispatchResult) {
	if s.events == nil {
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("event id", zap.Error(err))
	}
	evt := linestatus.StatusChangeEvent{
		ID:         id,
		Line:       s.cfg.Line,
		Status:     snap.RawText,
		IsNormal:   snap.IsNormal,
		Recovered:  kind == linestatus.TransitionRecovery,
		Kind:       kind,
		OccurredAt: now,
		Delivery:   result,
	}
	msgID, err := s.events.Publish(ctx, evt)
	if err != nil {
		s.logger.Warn("publish status change event", zap.String("event_id", id), zap.Error(err))
		return
	}
	s.logger.Debug("status change event published", zap.String("event_id", id), zap.String("message_id", msgID))
}

// commit records the observation and arms or disarms the monitor loop.
func (s *Scheduler) commit(snap linestatus.Snapshot, now time.Time, sent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := snap.RawText
	checked := now
	s.st.lastStatus = &status
	s.st.lastCheck = &checked
	s.st.delayed = !snap.IsNormal
	if sent {
		notified := now
		s.st.lastNotification = &notified
	}

	switch {
	case s.st.delayed && s.monitor == nil:
		if s.base.Err() != nil {
			return
		}
		s.monitor = s.startMonitor()
		s.logger.Info("delay monitor armed", zap.Duration("interval", s.cfg.MonitorInterval))
	case !s.st.delayed && s.monitor != nil:
		s.monitor.cancel()
		s.monitor = nil
		s.logger.Info("delay monitor disarmed")
	}
}

// startMonitor must be called with s.mu held.
func (s *Scheduler) startMonitor() *monitor {
	ctx, cancel := context.WithCancel(s.base)
	m := &monitor{cancel: cancel, done: make(chan struct{})}
	s.monitors.Add(1)
	go func() {
		defer s.monitors.Done()
		defer close(m.done)
		ticker := time.NewTicker(s.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancelCheck := context.WithTimeout(ctx, s.cfg.CheckTimeout)
				res := s.Check(checkCtx, true)
				cancelCheck()
				s.logger.Debug("delay monitor check",
					zap.String("status", res.Status),
					zap.Bool("notification_sent", res.NotificationSent),
				)
			}
		}
	}()
	return m
}

// State returns a copy of the retained state.
func (s *Scheduler) State() linestatus.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := linestatus.SchedulerState{
		IsDelayed:               s.st.delayed,
		BackgroundMonitorActive: s.monitor != nil,
	}
	if s.st.lastStatus != nil {
		v := *s.st.lastStatus
		out.LastStatus = &v
	}
	if s.st.lastCheck != nil {
		v := *s.st.lastCheck
		out.LastCheckTime = &v
	}
	if s.st.lastNotification != nil {
		v := *s.st.lastNotification
		out.LastNotificationTime = &v
	}
	return out
}

// Reset forgets every observation and disarms the monitor loop. It waits for
// a running check to finish.
func (s *Scheduler) Reset() {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.mu.Lock()
	m := s.monitor
	s.monitor = nil
	s.st = state{}
	s.mu.Unlock()
	if m != nil {
		m.cancel()
	}
	metrics.SetDelayed(false)
}

// Close disarms the monitor loop and waits for every monitor goroutine to
// exit. The scheduler will not arm new loops afterwards.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.cancelBase()
	s.monitor = nil
	s.mu.Unlock()
	s.monitors.Wait()
	return nil
}

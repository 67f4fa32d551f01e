// Package service exposes the monitor's entry points to the HTTP API and CLI.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
)

var (
	// ErrFetchUnavailable means the status page could not be read; callers
	// should retry later.
	ErrFetchUnavailable = errors.New("line status temporarily unavailable")
	// ErrInvalidSubscription means the push service rejected the endpoint
	// during the confirmation delivery.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Scheduler is the observation state machine.
type Scheduler interface {
	Check(ctx context.Context, useCache bool) linestatus.CheckResult
	State() linestatus.SchedulerState
}

// Notifier delivers payloads, including the subscription confirmation.
type Notifier interface {
	linestatus.Broadcaster
	SendTest(ctx context.Context, sub linestatus.Subscriber) error
}

// PayloadBuilder renders operator-supplied notifications.
type PayloadBuilder interface {
	Custom(title, body, status string) linestatus.NotificationPayload
}

// NotifyResult reports a manual broadcast.
type NotifyResult struct {
	linestatus.DispatchResult
	TotalSubscribers int `json:"total_subscribers"`
}

// Service wires the core components together.
type Service struct {
	scheduler Scheduler
	source    linestatus.StatusSource
	store     linestatus.SubscriberStore
	notifier  Notifier
	payloads  PayloadBuilder
	logger    *zap.Logger
}

// New constructs a Service.
func New(
	scheduler Scheduler,
	source linestatus.StatusSource,
	store linestatus.SubscriberStore,
	notifier Notifier,
	payloads PayloadBuilder,
	logger *zap.Logger,
) (*Service, error) {
	if scheduler == nil || source == nil || store == nil || notifier == nil || payloads == nil {
		return nil, errors.New("service: all collaborators are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		scheduler: scheduler,
		source:    source,
		store:     store,
		notifier:  notifier,
		payloads:  payloads,
		logger:    logger.Named("service"),
	}, nil
}

// CheckAndNotify runs one scheduler cycle.
func (s *Service) CheckAndNotify(ctx context.Context) linestatus.CheckResult {
	return s.scheduler.Check(ctx, true)
}

// CurrentState returns the scheduler's retained state.
func (s *Service) CurrentState() linestatus.SchedulerState {
	return s.scheduler.State()
}

// GetStatus reads the line status, from cache when useCache is set. Every
// failure matches ErrFetchUnavailable.
func (s *Service) GetStatus(ctx context.Context, useCache bool) (linestatus.Snapshot, error) {
	snap, err := s.source.Get(ctx, useCache)
	if err != nil {
		return linestatus.Snapshot{}, fmt.Errorf("%w: %w", ErrFetchUnavailable, err)
	}
	return snap, nil
}

// Subscribe stores sub and sends it a confirmation. When the push service
// reports the endpoint gone the subscriber is removed again and
// ErrInvalidSubscription is returned; other confirmation failures are logged.
func (s *Service) Subscribe(ctx context.Context, sub linestatus.Subscriber) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := s.store.Add(ctx, sub); err != nil {
		return fmt.Errorf("store subscriber: %w", err)
	}
	s.refreshGauge(ctx)

	err := s.notifier.SendTest(ctx, sub)
	if err == nil {
		s.logger.Info("subscriber added", zap.String("endpoint", sub.Endpoint))
		return nil
	}
	var deliveryErr *linestatus.DeliveryError
	if errors.As(err, &deliveryErr) && deliveryErr.Gone() {
		if _, rmErr := s.store.Remove(ctx, sub.Endpoint); rmErr != nil {
			s.logger.Error("remove rejected subscriber", zap.String("endpoint", sub.Endpoint), zap.Error(rmErr))
		}
		s.refreshGauge(ctx)
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	s.logger.Warn("confirmation delivery failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
	return nil
}

// Unsubscribe removes endpoint and reports whether it was registered.
func (s *Service) Unsubscribe(ctx context.Context, endpoint string) (bool, error) {
	if endpoint == "" {
		return false, &linestatus.ValidationError{Field: "endpoint", Reason: "is required"}
	}
	removed, err := s.store.Remove(ctx, endpoint)
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	if removed {
		s.refreshGauge(ctx)
	}
	return removed, nil
}

// Notify broadcasts an operator-supplied message to every subscriber,
// bypassing the transition rules. Gone endpoints are removed.
func (s *Service) Notify(ctx context.Context, title, body, status string) (NotifyResult, error) {
	switch {
	case title == "":
		return NotifyResult{}, &linestatus.ValidationError{Field: "title", Reason: "is required"}
	case body == "":
		return NotifyResult{}, &linestatus.ValidationError{Field: "body", Reason: "is required"}
	case status == "":
		return NotifyResult{}, &linestatus.ValidationError{Field: "status", Reason: "is required"}
	}

	subs, err := s.store.ListAll(ctx)
	if err != nil {
		return NotifyResult{}, fmt.Errorf("list subscribers: %w", err)
	}
	out := NotifyResult{
		DispatchResult:   linestatus.DispatchResult{InvalidEndpoints: []string{}},
		TotalSubscribers: len(subs),
	}
	if len(subs) == 0 {
		return out, nil
	}

	out.DispatchResult = s.notifier.BroadcastAll(ctx, subs, s.payloads.Custom(title, body, status))
	if len(out.InvalidEndpoints) > 0 {
		if _, err := s.store.RemoveInvalid(ctx, out.InvalidEndpoints); err != nil {
			s.logger.Error("remove invalid subscribers", zap.Error(err))
		}
		s.refreshGauge(ctx)
	}
	return out, nil
}

// SubscriberCount returns the number of registered subscribers.
func (s *Service) SubscriberCount(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

func (s *Service) refreshGauge(ctx context.Context) {
	n, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Debug("count subscribers", zap.Error(err))
		return
	}
	metrics.SetSubscribers(n)
}

// Package dispatcher fans notification payloads out to push subscribers.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
)

// Defaults for Config.
const (
	DefaultMaxParallel = 16
	DefaultSendTimeout = 10 * time.Second
)

// Delivery outcome labels.
const (
	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
	outcomeGone      = "gone"
)

// Limiter throttles deliveries per endpoint.
type Limiter interface {
	Wait(ctx context.Context, endpoint string) error
}

// Config bounds broadcast fan-out.
type Config struct {
	MaxParallel int
	SendTimeout time.Duration
}

// Dispatcher implements linestatus.Broadcaster over a PushTransport.
type Dispatcher struct {
	transport linestatus.PushTransport
	limiter   Limiter
	templates *Templates
	cfg       Config
	logger    *zap.Logger
}

var _ linestatus.Broadcaster = (*Dispatcher)(nil)

// New creates a Dispatcher. limiter may be nil.
func New(transport linestatus.PushTransport, limiter Limiter, templates *Templates, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if transport == nil {
		return nil, errors.New("dispatcher: push transport is required")
	}
	if templates == nil {
		return nil, errors.New("dispatcher: templates are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		transport: transport,
		limiter:   limiter,
		templates: templates,
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
	}, nil
}

// Send delivers payload to one subscriber. A 410 from the push service
// yields a *linestatus.DeliveryError matching linestatus.ErrSubscriptionGone.
func (d *Dispatcher) Send(ctx context.Context, sub linestatus.Subscriber, payload linestatus.NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return d.deliver(ctx, sub, body)
}

// SendTest delivers the subscription confirmation payload.
func (d *Dispatcher) SendTest(ctx context.Context, sub linestatus.Subscriber) error {
	return d.Send(ctx, sub, d.templates.Test())
}

// BroadcastAll sends payload to every subscriber with bounded concurrency and
// waits for all sends. Failures never cancel sibling sends.
func (d *Dispatcher) BroadcastAll(ctx context.Context, subs []linestatus.Subscriber, payload linestatus.NotificationPayload) linestatus.DispatchResult {
	result := linestatus.DispatchResult{InvalidEndpoints: []string{}}
	if len(subs) == 0 {
		return result
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode broadcast payload", zap.Error(err))
		result.Failed = len(subs)
		return result
	}

	errs := make([]error, len(subs))
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for i, sub := range subs {
		g.Go(func() error {
			errs[i] = d.deliver(ctx, sub, body)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			result.Succeeded++
			continue
		}
		result.Failed++
		var deliveryErr *linestatus.DeliveryError
		if errors.As(err, &deliveryErr) && deliveryErr.Gone() {
			result.InvalidEndpoints = append(result.InvalidEndpoints, subs[i].Endpoint)
		}
	}
	d.logger.Info("broadcast finished",
		zap.String("title", payload.Title),
		zap.Int("subscribers", len(subs)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("invalid", len(result.InvalidEndpoints)),
	)
	return result
}

func (d *Dispatcher) deliver(ctx context.Context, sub linestatus.Subscriber, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, sub.Endpoint); err != nil {
			metrics.ObserveNotification(outcomeFailed)
			return &linestatus.DeliveryError{Endpoint: sub.Endpoint, Err: err}
		}
	}

	code, err := d.transport.Push(ctx, sub, body)
	if err != nil {
		metrics.ObserveNotification(outcomeFailed)
		d.logger.Warn("push delivery failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return &linestatus.DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}
	switch {
	case accepted(code):
		metrics.ObserveNotification(outcomeDelivered)
		return nil
	case code == http.StatusGone:
		metrics.ObserveNotification(outcomeGone)
		d.logger.Info("push subscription gone", zap.String("endpoint", sub.Endpoint))
		return &linestatus.DeliveryError{Endpoint: sub.Endpoint, StatusCode: code, Err: linestatus.ErrSubscriptionGone}
	default:
		metrics.ObserveNotification(outcomeFailed)
		d.logger.Warn("push service rejected delivery", zap.String("endpoint", sub.Endpoint), zap.Int("status", code))
		return &linestatus.DeliveryError{
			Endpoint:   sub.Endpoint,
			StatusCode: code,
			Err:        fmt.Errorf("unexpected push service status %d", code),
		}
	}
}

// accepted reports whether the push service took the message.
func accepted(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

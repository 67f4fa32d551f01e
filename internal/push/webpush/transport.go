// Package webpush delivers encrypted payloads to browser push services
// using VAPID authentication.
package webpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// DefaultTTL is how long push services keep an undelivered message.
const DefaultTTL = 24 * time.Hour

// Config carries the VAPID identity of this server.
type Config struct {
	PublicKey  string
	PrivateKey string
	// Subject is a contact e-mail address or an https URL.
	Subject string
	TTL     time.Duration
	Urgency string
	Client  *http.Client
}

// KeyPair is a freshly generated VAPID key pair, URL-safe base64 encoded.
type KeyPair struct {
	PublicKey  string `yaml:"public_key" json:"public_key"`
	PrivateKey string `yaml:"private_key" json:"private_key"`
}

// Transport implements linestatus.PushTransport.
type Transport struct {
	cfg    Config
	client *http.Client
}

var _ linestatus.PushTransport = (*Transport)(nil)

// New validates cfg and builds a Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, errors.New("vapid public and private keys are required")
	}
	if cfg.Subject == "" {
		return nil, errors.New("vapid subject is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	switch webpushgo.Urgency(cfg.Urgency) {
	case "", webpushgo.UrgencyVeryLow, webpushgo.UrgencyLow, webpushgo.UrgencyNormal, webpushgo.UrgencyHigh:
	default:
		return nil, fmt.Errorf("unknown urgency %q", cfg.Urgency)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Transport{cfg: cfg, client: client}, nil
}

// PublicKey returns the application server key browsers subscribe with.
func (t *Transport) PublicKey() string {
	return t.cfg.PublicKey
}

// Push encrypts body for sub and posts it to the subscription endpoint. The
// push service status code is returned as-is; interpreting it is the
// caller's job.
func (t *Transport) Push(ctx context.Context, sub linestatus.Subscriber, body []byte) (int, error) {
	resp, err := webpushgo.SendNotificationWithContext(ctx, body, &webpushgo.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpushgo.Keys{
			Auth:   sub.Keys.Auth,
			P256dh: sub.Keys.P256dh,
		},
	}, &webpushgo.Options{
		HTTPClient:      t.client,
		Subscriber:      t.cfg.Subject,
		TTL:             int(t.cfg.TTL.Seconds()),
		Urgency:         webpushgo.Urgency(t.cfg.Urgency),
		VAPIDPublicKey:  t.cfg.PublicKey,
		VAPIDPrivateKey: t.cfg.PrivateKey,
	})
	if err != nil {
		return 0, fmt.Errorf("send web push: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}

// GenerateKeys creates a new VAPID key pair.
func GenerateKeys() (KeyPair, error) {
	private, public, err := webpushgo.GenerateVAPIDKeys()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return KeyPair{PublicKey: public, PrivateKey: private}, nil
}

// Package headless reads the status element with a headless browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// ErrBrowserUnavailable means the browser process could not be started.
var ErrBrowserUnavailable = errors.New("headless browser unavailable")

// Selector kinds.
const (
	SelectorXPath = "xpath"
	SelectorCSS   = "css"
)

// Config controls the behavior of the headless driver.
type Config struct {
	URL               string
	Selector          string
	SelectorKind      string
	MaxParallel       int
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	ExecPath          string
	NoSandbox         bool
}

// Driver implements linestatus.PageDriver using chromedp. Every call opens a
// fresh browser tab that is closed before returning.
type Driver struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ linestatus.PageDriver = (*Driver)(nil)

// NewChromedp creates a headless driver backed by chromedp.
func NewChromedp(cfg Config) (*Driver, error) {
	if cfg.URL == "" {
		return nil, errors.New("status page url is required")
	}
	if cfg.Selector == "" {
		return nil, errors.New("status selector is required")
	}
	switch cfg.SelectorKind {
	case "":
		cfg.SelectorKind = SelectorXPath
	case SelectorXPath, SelectorCSS:
	default:
		return nil, fmt.Errorf("unknown selector kind %q", cfg.SelectorKind)
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Driver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, terminating the browser.
func (d *Driver) Close() {
	d.allocCancel()
}

// ReadStatus navigates to the status page, waits for the status element and
// returns its trimmed text.
func (d *Driver) ReadStatus(ctx context.Context) (string, error) {
	if err := d.acquire(ctx); err != nil {
		return "", err
	}
	defer d.release()

	taskCtx, taskCancel := chromedp.NewContext(d.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	// The browser is bound to the context of the first Run. Starting it on
	// taskCtx keeps it alive past the navigation and element deadlines.
	if err := chromedp.Run(taskCtx); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", linestatus.ErrNavigationTimeout, ctx.Err())
		}
		return "", fmt.Errorf("%w: %w: %w", linestatus.ErrNetwork, ErrBrowserUnavailable, err)
	}

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	if err := d.navigate(ctx, taskCtx); err != nil {
		return "", err
	}
	if status := meta.status(); status >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: status page returned %d", linestatus.ErrNetwork, status)
	}
	return d.readElement(ctx, taskCtx)
}

func (d *Driver) navigate(parent, taskCtx context.Context) error {
	navCtx, cancel := context.WithTimeout(taskCtx, d.navTimeout())
	defer cancel()
	err := chromedp.Run(navCtx, d.networkSetupAction(), chromedp.Navigate(d.cfg.URL))
	if err == nil {
		return nil
	}
	if navCtx.Err() != nil || parent.Err() != nil {
		return fmt.Errorf("%w: %w", linestatus.ErrNavigationTimeout, err)
	}
	return fmt.Errorf("%w: %w", linestatus.ErrNetwork, err)
}

func (d *Driver) readElement(parent, taskCtx context.Context) (string, error) {
	waitCtx, cancel := context.WithTimeout(taskCtx, d.elementTimeout())
	defer cancel()

	var text string
	opt := d.queryOption()
	err := chromedp.Run(waitCtx,
		chromedp.WaitVisible(d.cfg.Selector, opt),
		chromedp.Text(d.cfg.Selector, &text, opt),
	)
	switch {
	case err == nil:
	case parent.Err() != nil:
		return "", fmt.Errorf("%w: %w", linestatus.ErrNavigationTimeout, parent.Err())
	case waitCtx.Err() != nil:
		return "", fmt.Errorf("%w: %s: %w", linestatus.ErrElementNotFound, d.cfg.Selector, err)
	default:
		return "", fmt.Errorf("%w: read element: %w", linestatus.ErrNetwork, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", linestatus.ErrEmptyContent
	}
	return text, nil
}

func (d *Driver) queryOption() chromedp.QueryOption {
	if d.cfg.SelectorKind == SelectorCSS {
		return chromedp.ByQuery
	}
	return chromedp.BySearch
}

func (d *Driver) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if headers := d.extraHeaders(); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (d *Driver) extraHeaders() network.Headers {
	if d.cfg.AcceptLanguage == "" {
		return nil
	}
	return network.Headers{"Accept-Language": d.cfg.AcceptLanguage}
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: headless slot wait canceled: %w", linestatus.ErrNavigationTimeout, ctx.Err())
	}
}

func (d *Driver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

func (d *Driver) navTimeout() time.Duration {
	if d.cfg.NavigationTimeout > 0 {
		return d.cfg.NavigationTimeout
	}
	return 20 * time.Second
}

func (d *Driver) elementTimeout() time.Duration {
	if d.cfg.ElementTimeout > 0 {
		return d.cfg.ElementTimeout
	}
	return 10 * time.Second
}

// responseMeta remembers the HTTP status of the main document.
type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(event.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

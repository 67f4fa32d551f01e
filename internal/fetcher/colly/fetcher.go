// Package collyfetcher reads the status element from server-rendered pages
// using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// Config controls collector behavior.
type Config struct {
	URL            string
	Selector       string
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
}

// Driver implements linestatus.PageDriver using a Colly collector.
type Driver struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ linestatus.PageDriver = (*Driver)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// visitResult is filled in by the collector callbacks.
type visitResult struct {
	found      bool
	text       string
	statusCode int
	err        error
}

// New builds a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("status page url is required")
	}
	if cfg.Selector == "" {
		return nil, fmt.Errorf("status selector is required")
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Driver{cfg: cfg, baseCollector: c}, nil
}

// ReadStatus fetches the page and returns the trimmed text of the first
// element matching the selector.
func (d *Driver) ReadStatus(ctx context.Context) (string, error) {
	result := &visitResult{}
	collector := d.buildCollector(ctx, result)
	if err := d.runCollector(ctx, collector, result); err != nil {
		return "", err
	}
	if !result.found {
		return "", fmt.Errorf("%w: %s", linestatus.ErrElementNotFound, d.cfg.Selector)
	}
	if result.text == "" {
		return "", linestatus.ErrEmptyContent
	}
	return result.text, nil
}

func (d *Driver) buildCollector(ctx context.Context, result *visitResult) *colly.Collector {
	collector := d.baseCollector.Clone()
	collector.Context = ctx
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	timeout := d.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	d.configureCollectorHooks(collector, result)
	return collector
}

func (d *Driver) configureCollectorHooks(hooks collectorHooks, result *visitResult) {
	hooks.OnRequest(func(r *colly.Request) {
		if d.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", d.cfg.AcceptLanguage)
		}
	})

	hooks.OnHTML(d.cfg.Selector, func(e *colly.HTMLElement) {
		if result.found {
			return
		}
		result.found = true
		result.text = strings.TrimSpace(e.Text)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.err = err
		if r != nil {
			result.statusCode = r.StatusCode
		}
	})
}

func (d *Driver) runCollector(ctx context.Context, collector *colly.Collector, result *visitResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(d.cfg.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: colly fetch canceled: %w", linestatus.ErrNavigationTimeout, ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("%w: colly fetch canceled: %w", linestatus.ErrNavigationTimeout, ctx.Err())
		}
		if result.statusCode >= http.StatusBadRequest {
			return fmt.Errorf("%w: status page returned %d", linestatus.ErrNetwork, result.statusCode)
		}
		if err != nil {
			return fmt.Errorf("%w: colly visit failed: %w", linestatus.ErrNetwork, err)
		}
		if result.err != nil {
			return fmt.Errorf("%w: colly response failed: %w", linestatus.ErrNetwork, result.err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

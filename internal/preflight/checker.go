// Package preflight checks a document locator over plain HTTP before a
// browser session is spent on it.
package preflight

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Config controls the preflight check.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Checker issues one GET per locator with colly. Only answers that prove the
// document is gone fail the check; everything else is left to the browser.
type Checker struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// New builds a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	return &Checker{cfg: cfg, base: c, logger: logger.Named("preflight")}
}

// Check reports DocumentExpiredOrMissing when the locator answers 404 or 410.
func (c *Checker) Check(ctx context.Context, loc capture.Locator) error {
	collector := c.base.Clone()
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)

	var status int
	collector.OnResponse(func(r *colly.Response) { status = r.StatusCode })
	collector.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() { done <- collector.Visit(loc.URL) }()

	var visitErr error
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return capture.Wrap(capture.KindCancelled, "preflight", ctx.Err())
		}
		return nil
	case visitErr = <-done:
	}

	if gone(status) {
		return capture.Errorf(capture.KindDocumentExpiredOrMissing, "preflight", "%s answered %d", loc.Host, status)
	}
	if visitErr != nil {
		c.logger.Debug("preflight inconclusive",
			zap.String("document_id", loc.DocumentID),
			zap.Int("status", status),
			zap.Error(visitErr),
		)
	}
	return nil
}

func gone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
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
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}


// Package pager determines how many pages a cleared viewer shows and captures
// one full-viewport image per page.
package pager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// HardPageCeiling caps every capture regardless of configuration.
const HardPageCeiling = 500

// Config holds capture controller configuration.
type Config struct {
	// MaxPages is the configured page ceiling; the effective ceiling is
	// min(MaxPages, HardPageCeiling).
	MaxPages int
	// Settle is the pause after every navigation before the next action.
	Settle time.Duration
	// ChromeSelectors are hidden before every screenshot.
	ChromeSelectors []string
	// ReadyTimeout bounds the wait for content after the viewer reloads.
	ReadyTimeout time.Duration
	// Poll is the interval between readiness checks after a reload.
	Poll time.Duration
}

// Controls holds the signatures of the viewer's navigation controls and of
// rendered content.
type Controls struct {
	Counters []capture.Signature
	Next     []capture.Signature
	Previous []capture.Signature
	Ready    []capture.Signature
}

// GateClearer clears access gates that a reload brought back.
type GateClearer interface {
	Reclear(ctx context.Context, v capture.Viewer, flag capture.CancelFlag) error
}

// DefaultControls returns signatures covering the common hosted viewers.
func DefaultControls() Controls {
	return Controls{
		Counters: []capture.Signature{
			{Name: "page-counter", Selector: `.page-counter`},
			{Name: "page-number-class", Selector: `[class*="page-num" i], [class*="pageNumber" i]`},
			{Name: "slide-number-class", Selector: `[class*="slide-number" i], [class*="slideNumber" i]`},
			{Name: "counter-class", Selector: `[class*="counter" i]`},
			{Name: "live-region", Selector: `[aria-live]`, Labels: []string{"page", "slide", "of"}},
		},
		Next: []capture.Signature{
			{Name: "next-page-aria", Selector: `button[aria-label="Next page"]`},
			{Name: "next-aria", Selector: `button[aria-label*="next" i], [role="button"][aria-label*="next" i]`},
			{Name: "next-title", Selector: `button[title*="next" i]`},
			{Name: "next-rel", Selector: `a[rel="next"]`},
			{Name: "next-label", Selector: `button`, Labels: []string{"next", "next page", "next slide"}},
		},
		Previous: []capture.Signature{
			{Name: "previous-page-aria", Selector: `button[aria-label="Previous page"]`},
			{Name: "previous-aria", Selector: `button[aria-label*="prev" i], [role="button"][aria-label*="prev" i]`},
			{Name: "previous-title", Selector: `button[title*="prev" i]`},
			{Name: "previous-rel", Selector: `a[rel="prev"]`},
			{Name: "previous-label", Selector: `button`, Labels: []string{"previous", "prev", "previous page", "back"}},
		},
		Ready: []capture.Signature{
			{Name: "page-number-attr", Selector: `[data-page-number]`},
			{Name: "pdfjs-page", Selector: `.pdfViewer .page`},
			{Name: "document-role", Selector: `[role="document"]`},
			{Name: "canvas", Selector: `canvas`},
		},
	}
}

// DefaultChromeSelectors lists toolbars and overlays hidden before capture.
func DefaultChromeSelectors() []string {
	return []string{
		`header`, `nav`, `[role="toolbar"]`, `[role="banner"]`,
		`[class*="toolbar" i]`, `[class*="controls" i]`, `.page-counter`,
		`[class*="overlay" i]`, `[class*="tooltip" i]`, `[class*="watermark-banner" i]`,
	}
}

var counterPattern = regexp.MustCompile(`(?i)(?:page|slide|p\.)?\s*(\d{1,5})\s*(?:/|of)\s*(\d{1,5})`)

// ParseCounter extracts the current page and total from an on-screen counter
// such as "3 / 12", "Page 3 of 12", or "Slide 3/12".
func ParseCounter(text string) (current, total int, ok bool) {
	m := counterPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	current, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(m[2])
	if err != nil || total < 1 || current < 1 || current > total {
		return 0, 0, false
	}
	return current, total, true
}

// Controller captures pages from a cleared viewer.
type Controller struct {
	cfg      Config
	controls Controls
	gates    GateClearer
	logger   *zap.Logger
}

// New creates a Controller.
func New(cfg Config, controls Controls, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	return &Controller{cfg: cfg, controls: controls, logger: logger.Named("pager")}
}

// WithGates returns a copy of c that re-clears gates after every reload.
func (c *Controller) WithGates(gates GateClearer) *Controller {
	clone := *c
	clone.gates = gates
	return &clone
}

// WithLogger returns a copy of c that logs through logger.
func (c *Controller) WithLogger(logger *zap.Logger) *Controller {
	clone := *c
	clone.logger = logger.Named("pager")
	return &clone
}

// Ceiling returns the effective page ceiling.
func (c *Controller) Ceiling() int {
	if c.cfg.MaxPages <= 0 || c.cfg.MaxPages > HardPageCeiling {
		return HardPageCeiling
	}
	return c.cfg.MaxPages
}

// PageCount reports how many pages the viewer shows, capped at the effective
// ceiling. It prefers the on-screen counter; otherwise it counts by
// activating "next" and then walks back to page 1.
func (c *Controller) PageCount(ctx context.Context, v capture.Viewer, flag capture.CancelFlag) (int, error) {
	if flag == nil {
		flag = capture.NeverCancelled{}
	}
	ceiling := c.Ceiling()
	if total, ok := c.readCounter(ctx, v); ok {
		if total > ceiling {
			c.logger.Warn("page count exceeds ceiling", zap.Int("pages", total), zap.Int("ceiling", ceiling))
			total = ceiling
		}
		return total, nil
	}

	count := 1
	for count < ceiling {
		advanced, err := c.advance(ctx, v, flag)
		if err != nil {
			return 0, c.fail(count+1, err)
		}
		if !advanced {
			break
		}
		count++
	}
	c.logger.Debug("counted pages by navigation", zap.Int("pages", count))

	for i := 0; i < count-1; i++ {
		el, ok := c.find(ctx, v, c.controls.Previous)
		if !ok {
			// No previous control: reload instead of walking back.
			if err := c.reload(ctx, v, flag); err != nil {
				return 0, c.fail(1, err)
			}
			break
		}
		if err := v.Click(ctx, el); err != nil {
			return 0, c.fail(count-i-1, err)
		}
		if err := capture.Sleep(ctx, c.cfg.Settle, flag); err != nil {
			return 0, c.fail(count-i-1, err)
		}
	}
	return count, nil
}

// CaptureAll captures the requested pages in ascending order, or every page
// up to the effective ceiling when pages is empty. Any single failure aborts
// the whole capture.
func (c *Controller) CaptureAll(ctx context.Context, v capture.Viewer, pages []int, flag capture.CancelFlag) (capture.Captures, error) {
	if flag == nil {
		flag = capture.NeverCancelled{}
	}
	if len(pages) == 0 {
		return c.captureSequential(ctx, v, flag)
	}
	normalized, err := capture.NormalizePages(pages)
	if err != nil {
		return nil, err
	}
	return c.captureExplicit(ctx, v, normalized, flag)
}

func (c *Controller) captureSequential(ctx context.Context, v capture.Viewer, flag capture.CancelFlag) (capture.Captures, error) {
	ceiling := c.Ceiling()
	var out capture.Captures
	for page := 1; ; page++ {
		if err := c.shoot(ctx, v, page, &out, flag); err != nil {
			return nil, err
		}
		if page >= ceiling {
			c.logger.Warn("stopping at page ceiling", zap.Int("ceiling", ceiling))
			break
		}
		advanced, err := c.advance(ctx, v, flag)
		if err != nil {
			return nil, c.fail(page+1, err)
		}
		if !advanced {
			break
		}
	}
	return out, nil
}

func (c *Controller) captureExplicit(ctx context.Context, v capture.Viewer, pages []int, flag capture.CancelFlag) (capture.Captures, error) {
	count, err := c.PageCount(ctx, v, flag)
	if err != nil {
		return nil, err
	}
	if last := pages[len(pages)-1]; last > count {
		return nil, capture.Errorf(capture.KindPageCaptureFailed, fmt.Sprintf("capture page %d", last),
			"document has %d capturable pages", count)
	}
	var out capture.Captures
	for _, page := range pages {
		if err := c.navigateTo(ctx, v, page, flag); err != nil {
			return nil, c.fail(page, err)
		}
		if err := c.shoot(ctx, v, page, &out, flag); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// navigateTo reloads the viewer to page 1 and replays "next" page-1 times.
func (c *Controller) navigateTo(ctx context.Context, v capture.Viewer, page int, flag capture.CancelFlag) error {
	if err := c.reload(ctx, v, flag); err != nil {
		return err
	}
	for current := 1; current < page; current++ {
		advanced, err := c.advance(ctx, v, flag)
		if err != nil {
			return err
		}
		if !advanced {
			return fmt.Errorf("next control unavailable on page %d", current)
		}
	}
	return nil
}

// reload returns the viewer to page 1, clears any gate the reload brought
// back, and waits until content or a next control is shown.
func (c *Controller) reload(ctx context.Context, v capture.Viewer, flag capture.CancelFlag) error {
	if err := v.Reset(ctx); err != nil {
		return fmt.Errorf("reset viewer: %w", err)
	}
	if err := capture.Sleep(ctx, c.cfg.Settle, flag); err != nil {
		return err
	}
	if c.gates != nil {
		if err := c.gates.Reclear(ctx, v, flag); err != nil {
			return err
		}
	}
	err := capture.WaitUntil(ctx, c.cfg.ReadyTimeout, c.cfg.Poll, flag, func(ctx context.Context) (bool, error) {
		if _, ok := c.find(ctx, v, c.controls.Ready); ok {
			return true, nil
		}
		_, ok := c.find(ctx, v, c.controls.Next)
		return ok, nil
	})
	if err != nil {
		return fmt.Errorf("viewer not ready after reload: %w", err)
	}
	return nil
}

// advance activates the next control. It reports false when the control is
// absent or disabled.
func (c *Controller) advance(ctx context.Context, v capture.Viewer, flag capture.CancelFlag) (bool, error) {
	el, ok := c.find(ctx, v, c.controls.Next)
	if !ok || el.Disabled {
		return false, nil
	}
	if err := v.Click(ctx, el); err != nil {
		return false, fmt.Errorf("activate next: %w", err)
	}
	if err := capture.Sleep(ctx, c.cfg.Settle, flag); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) shoot(ctx context.Context, v capture.Viewer, page int, out *capture.Captures, flag capture.CancelFlag) error {
	if err := capture.Sleep(ctx, c.cfg.Settle, flag); err != nil {
		return c.fail(page, err)
	}
	if len(c.cfg.ChromeSelectors) > 0 {
		if err := v.HideChrome(ctx, c.cfg.ChromeSelectors); err != nil {
			c.logger.Debug("hide chrome failed", zap.Int("page", page), zap.Error(err))
		}
	}
	img, err := v.Screenshot(ctx)
	if err != nil {
		return c.fail(page, fmt.Errorf("screenshot: %w", err))
	}
	updated, err := out.Append(capture.PageCapture{Number: page, Image: img})
	if err != nil {
		return c.fail(page, err)
	}
	*out = updated
	c.logger.Debug("captured page", zap.Int("page", page), zap.Int("bytes", len(img)))
	return nil
}

func (c *Controller) readCounter(ctx context.Context, v capture.Viewer) (int, bool) {
	for _, sig := range c.controls.Counters {
		text, err := v.Text(ctx, sig)
		if err != nil {
			c.logger.Debug("counter query failed", zap.String("signature", sig.Name), zap.Error(err))
			continue
		}
		if _, total, ok := ParseCounter(text); ok {
			return total, true
		}
	}
	return 0, false
}

func (c *Controller) find(ctx context.Context, v capture.Viewer, sigs []capture.Signature) (capture.Element, bool) {
	for _, sig := range sigs {
		el, ok, err := v.Query(ctx, sig)
		if err != nil {
			c.logger.Debug("control query failed", zap.String("signature", sig.Name), zap.Error(err))
			continue
		}
		if ok {
			return el, true
		}
	}
	return capture.Element{}, false
}

// fail classifies err as a page capture failure. Errors that already carry
// a kind, such as a cancellation or a gate failure after a reload, keep it.
func (c *Controller) fail(page int, err error) error {
	var classified *capture.Error
	if errors.As(err, &classified) || capture.KindOf(err) == capture.KindCancelled {
		return err
	}
	return capture.Wrap(capture.KindPageCaptureFailed, fmt.Sprintf("capture page %d", page), err)
}

// Package browser drives headless Chrome via chromedp. Every capture session
// gets its own browser process, context, and tab.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Config controls how capture browsers are launched.
type Config struct {
	Headless          bool
	ExecPath          string
	NoSandbox         bool
	UserAgent         string
	Locale            string
	Timezone          string
	ViewportWidth     int
	ViewportHeight    int
	MaxParallel       int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

// ErrDocumentGone is returned by Navigate when the document request answers 404 or 410.
var ErrDocumentGone = errors.New("document request returned gone status")

func (c Config) withDefaults() Config {
	if c.Locale == "" {
		c.Locale = "en-US"
	}
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1600
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 900
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 15 * time.Second
	}
	return c
}

// Factory opens isolated chromedp sessions.
type Factory struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// NewFactory creates a session factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Factory{cfg: cfg.withDefaults(), limiter: limiter, logger: logger.Named("browser")}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", f.cfg.Locale),
		chromedp.WindowSize(f.cfg.ViewportWidth, f.cfg.ViewportHeight),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Open launches a browser, opens a tab, and applies the identity settings.
func (f *Factory) Open(ctx context.Context) (capture.Session, error) {
	release, err := f.acquire(ctx)
	if err != nil {
		return nil, err
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         f.cfg,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		release:     release,
		meta:        newResponseMeta(),
		logger:      f.logger,
	}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)

	if err := s.start(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if err := s.run(ctx, f.cfg.NavigationTimeout, s.setupAction()); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("configure tab: %w", err)
	}
	return s, nil
}

func (f *Factory) acquire(ctx context.Context) (func(), error) {
	if f.limiter == nil {
		return func() {}, nil
	}
	select {
	case f.limiter <- struct{}{}:
		return func() { <-f.limiter }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

// Session is one chromedp tab inside a dedicated browser process.
type Session struct {
	cfg         Config
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	release     func()
	meta        *responseMeta
	logger      *zap.Logger
	closeOnce   sync.Once
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).WithAcceptLanguage(s.cfg.Locale).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetLocaleOverride().WithLocale(s.cfg.Locale).Do(ctx); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
		if err := emulation.SetTimezoneOverride(s.cfg.Timezone).Do(ctx); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript(s.cfg.Locale)).Do(ctx); err != nil {
			return fmt.Errorf("install identity script: %w", err)
		}
		return nil
	})
}

// start launches the browser process. The first Run on a tab owns the
// browser, so it runs on tabCtx directly with no deadline; ctx only aborts
// the launch itself.
func (s *Session) start(ctx context.Context) error {
	stop := forwardCancel(ctx, s.tabCancel)
	defer stop()
	if err := chromedp.Run(s.tabCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp start: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp start: %w", err)
	}
	return nil
}

// run executes actions in the tab, bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate implements capture.Viewer.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.meta.reset()
	if err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return err
	}
	if status := s.meta.status(); status == http.StatusNotFound || status == http.StatusGone {
		return fmt.Errorf("%w: %d", ErrDocumentGone, status)
	}
	return nil
}

// Reset implements capture.Viewer.
func (s *Session) Reset(ctx context.Context) error {
	return s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Query implements capture.Viewer. Matching elements are tagged with a
// data attribute so later actions can address them directly.
func (s *Session) Query(ctx context.Context, sig capture.Signature) (capture.Element, bool, error) {
	cands, err := s.candidates(ctx, sig.Selector)
	if err != nil {
		return capture.Element{}, false, err
	}
	c, ok := pickCandidate(cands, sig.Labels)
	if !ok {
		return capture.Element{}, false, nil
	}
	return capture.Element{Selector: elementSelector(c.ID), Label: c.Label, Disabled: c.Disabled}, true, nil
}

func (s *Session) candidates(ctx context.Context, selector string) ([]candidate, error) {
	script, err := queryScript(selector)
	if err != nil {
		return nil, err
	}
	var out []candidate
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &out)); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return out, nil
}

// Fill implements capture.Viewer.
func (s *Session) Fill(ctx context.Context, el capture.Element, value string) error {
	return s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Focus(el.Selector, chromedp.ByQuery),
		chromedp.Clear(el.Selector, chromedp.ByQuery),
		chromedp.SendKeys(el.Selector, value, chromedp.ByQuery),
	)
}

// Click implements capture.Viewer.
func (s *Session) Click(ctx context.Context, el capture.Element) error {
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Click(el.Selector, chromedp.ByQuery))
}

// Submit implements capture.Viewer using the form's native submission.
func (s *Session) Submit(ctx context.Context, el capture.Element) (bool, error) {
	script, err := submitScript(el.Selector)
	if err != nil {
		return false, err
	}
	var submitted bool
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &submitted)); err != nil {
		return false, fmt.Errorf("submit form: %w", err)
	}
	return submitted, nil
}

// Text implements capture.Viewer.
func (s *Session) Text(ctx context.Context, sig capture.Signature) (string, error) {
	cands, err := s.candidates(ctx, sig.Selector)
	if err != nil {
		return "", err
	}
	c, ok := pickCandidate(cands, sig.Labels)
	if !ok {
		return "", nil
	}
	return c.Text, nil
}

// HideChrome implements capture.Viewer. Hidden elements keep their layout and
// stay clickable.
func (s *Session) HideChrome(ctx context.Context, selectors []string) error {
	if len(selectors) == 0 {
		return nil
	}
	script, err := hideScript(selectors)
	if err != nil {
		return err
	}
	var ignored bool
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &ignored))
}

// Screenshot implements capture.Viewer.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the tab, then the browser, and frees the launch slot. It is
// safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(s.tabCtx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.tabCancel()
		s.allocCancel()
		s.release()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("close tab", zap.Error(err))
		} else {
			err = nil
		}
	})
	return err
}

type candidate struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Text     string `json:"text"`
	Disabled bool   `json:"disabled"`
}

func pickCandidate(cands []candidate, labels []string) (candidate, bool) {
	for _, c := range cands {
		if len(labels) == 0 || capture.LabelMatches(c.Label, labels) {
			return c, true
		}
	}
	return candidate{}, false
}

func elementSelector(id string) string {
	return fmt.Sprintf(`[data-gdc-id="%s"]`, id)
}

const queryTemplate = `(function(sel) {
  var out = [];
  var nodes;
  try { nodes = document.querySelectorAll(sel); } catch (e) { return out; }
  for (var i = 0; i < nodes.length && out.length < 25; i++) {
    var el = nodes[i];
    var r = el.getBoundingClientRect();
    var st = window.getComputedStyle(el);
    if (r.width <= 0 || r.height <= 0 || st.display === 'none' || st.visibility === 'hidden') continue;
    if (!el.hasAttribute('data-gdc-id')) {
      window.__gdcSeq = (window.__gdcSeq || 0) + 1;
      el.setAttribute('data-gdc-id', String(window.__gdcSeq));
    }
    var text = (el.innerText || el.value || '').trim();
    var label = text || el.getAttribute('aria-label') || el.getAttribute('placeholder') || el.getAttribute('title') || '';
    out.push({
      id: el.getAttribute('data-gdc-id'),
      label: label.trim(),
      text: text,
      disabled: !!el.disabled || el.getAttribute('aria-disabled') === 'true'
    });
  }
  return out;
})(%s)`

func queryScript(selector string) (string, error) {
	arg, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	return fmt.Sprintf(queryTemplate, arg), nil
}

const submitTemplate = `(function(sel) {
  var el = document.querySelector(sel);
  var form = el && el.closest('form');
  if (!form) return false;
  if (typeof form.requestSubmit === 'function') { form.requestSubmit(); } else { form.submit(); }
  return true;
})(%s)`

func submitScript(selector string) (string, error) {
	arg, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	return fmt.Sprintf(submitTemplate, arg), nil
}

const hideTemplate = `(function(css) {
  var style = document.getElementById('gdc-hide-chrome');
  if (!style) {
    style = document.createElement('style');
    style.id = 'gdc-hide-chrome';
    (document.head || document.documentElement).appendChild(style);
  }
  style.textContent = css;
  return true;
})(%s)`

func hideCSS(selectors []string) string {
	var b strings.Builder
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" || strings.ContainsAny(sel, "{}") {
			continue
		}
		fmt.Fprintf(&b, "%s { opacity: 0 !important; }\n", sel)
	}
	return b.String()
}

func hideScript(selectors []string) (string, error) {
	arg, err := json.Marshal(hideCSS(selectors))
	if err != nil {
		return "", fmt.Errorf("encode chrome css: %w", err)
	}
	return fmt.Sprintf(hideTemplate, arg), nil
}

func stealthScript(locale string) string {
	langs, _ := json.Marshal([]string{locale, strings.SplitN(locale, "-", 2)[0]})
	return fmt.Sprintf(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'languages', {get: () => %s});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3]});
window.chrome = window.chrome || {runtime: {}};`, langs)
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.code == 0 {
		m.code = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

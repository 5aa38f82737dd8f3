// Package otp retrieves one-time verification codes from an HTTP mailbox.
package otp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/logging"
)

// DefaultCodePattern matches a standalone 6-digit code.
const DefaultCodePattern = `\b(\d{6})\b`

// Config controls the mailbox poller.
type Config struct {
	// BaseURL of the mailbox API, e.g. https://mail.example.com/api.
	BaseURL string
	// Token is sent as a bearer token.
	Token string
	// Inbox is the address whose messages are searched.
	Inbox string
	// Sender, when set, restricts matches to messages from addresses containing it.
	Sender       string
	CodePattern  string
	PollInterval time.Duration
	// Lookback admits messages received shortly before the request started.
	Lookback       time.Duration
	RequestTimeout time.Duration
}

// Message is one mailbox entry as returned by the mailbox API.
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	Text       string    `json:"text"`
	HTML       string    `json:"html"`
}

type listResponse struct {
	Messages []Message `json:"messages"`
}

// Mailbox polls the mailbox API for new verification codes. It implements
// capture.CodeSource and never hands out the same message twice.
type Mailbox struct {
	cfg     Config
	client  *resty.Client
	pattern *regexp.Regexp
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	used map[string]struct{}
}

// New creates a Mailbox.
func New(cfg Config, logger *zap.Logger) (*Mailbox, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("mailbox base url is required")
	}
	if cfg.Inbox == "" {
		return nil, errors.New("mailbox inbox is required")
	}
	if cfg.CodePattern == "" {
		cfg.CodePattern = DefaultCodePattern
	}
	pattern, err := regexp.Compile(cfg.CodePattern)
	if err != nil {
		return nil, fmt.Errorf("compile code pattern: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Lookback < 0 {
		cfg.Lookback = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Mailbox{
		cfg:     cfg,
		client:  client,
		pattern: pattern,
		logger:  logger.Named("otp"),
		now:     time.Now,
		used:    make(map[string]struct{}),
	}, nil
}

// OneTimeCode polls until a code arrives in a message received since the
// call started, the deadline passes, or ctx ends.
func (m *Mailbox) OneTimeCode(ctx context.Context, deadline time.Time) (string, error) {
	since := m.now().Add(-m.cfg.Lookback)
	for {
		code, err := m.poll(ctx, since)
		switch {
		case err == nil && code != "":
			m.logger.Info("one-time code received", logging.Redacted("code", code))
			return code, nil
		case errors.Is(err, capture.ErrMailboxAuth):
			return "", err
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.logger.Warn("mailbox poll failed", zap.Error(err))
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return "", capture.ErrCodeTimeout
		}
		timer := time.NewTimer(min(wait, m.cfg.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Mailbox) poll(ctx context.Context, since time.Time) (string, error) {
	var out listResponse
	res, err := m.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inbox": m.cfg.Inbox,
			"since": since.UTC().Format(time.RFC3339),
		}).
		SetResult(&out).
		Get("/messages")
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	switch res.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", capture.ErrMailboxAuth, res.StatusCode())
	default:
		return "", fmt.Errorf("list messages: unexpected status %d", res.StatusCode())
	}
	return m.pick(out.Messages, since), nil
}

// pick returns the code from the newest unused matching message.
func (m *Mailbox) pick(msgs []Message, since time.Time) string {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.ReceivedAt.Before(since) {
			continue
		}
		if _, seen := m.used[msg.ID]; seen && msg.ID != "" {
			continue
		}
		if m.cfg.Sender != "" && !strings.Contains(strings.ToLower(msg.From), strings.ToLower(m.cfg.Sender)) {
			continue
		}
		code := ExtractCode(m.pattern, msg)
		if code == "" {
			continue
		}
		if msg.ID != "" {
			m.used[msg.ID] = struct{}{}
		}
		return code
	}
	return ""
}

// ExtractCode finds the first code in the message subject, plain-text body,
// or the visible text of its HTML body.
func ExtractCode(pattern *regexp.Regexp, msg Message) string {
	for _, text := range []string{msg.Text, htmlText(msg.HTML), msg.Subject} {
		if text == "" {
			continue
		}
		if match := pattern.FindStringSubmatch(text); match != nil {
			if len(match) > 1 {
				return match[1]
			}
			return match[0]
		}
	}
	return ""
}

func htmlText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBufferString(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

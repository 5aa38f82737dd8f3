// Package delivery hands finished documents and failure reports to the
// requester: small artifacts go to the outbox, large ones to overflow
// storage behind a download link, and every outcome is published as an event.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/storage"
)

// Event names published by the Router.
const (
	EventDelivered = "artifact.delivered"
	EventFailed    = "capture.failed"
)

// Publisher emits delivery events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// URLSigner turns a stored object path into a download link.
type URLSigner interface {
	SignURL(path string) (string, error)
}

// Event is the payload published for every delivery outcome.
type Event struct {
	JobID       string    `json:"job_id"`
	RequesterID string    `json:"requester_id"`
	DocumentID  string    `json:"document_id"`
	FileName    string    `json:"file_name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	PageCount   int       `json:"page_count,omitempty"`
	ByteSize    int       `json:"byte_size,omitempty"`
	Inline      bool      `json:"inline,omitempty"`
	Location    string    `json:"location,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	At          time.Time `json:"at"`
}

// Config holds router settings.
type Config struct {
	OutboxPrefix   string
	OverflowPrefix string
}

// Deps are the router's collaborators. Overflow defaults to Outbox; Signer
// and Publisher are optional.
type Deps struct {
	Outbox    storage.BlobStore
	Overflow  storage.BlobStore
	Signer    URLSigner
	Publisher Publisher
	Clock     capture.Clock
	Logger    *zap.Logger
}

// Router implements capture.Deliverer.
type Router struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates a Router.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox store is required")
	}
	if deps.Overflow == nil {
		deps.Overflow = deps.Outbox
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.OutboxPrefix == "" {
		cfg.OutboxPrefix = "outbox"
	}
	if cfg.OverflowPrefix == "" {
		cfg.OverflowPrefix = "overflow"
	}
	return &Router{cfg: cfg, deps: deps, log: deps.Logger.Named("delivery")}, nil
}

// objectPath keeps every object under prefix/<requester>/. The requester and
// file name are encoded as single segments.
func objectPath(prefix string, meta capture.DeliveryMeta) string {
	return path.Join(prefix, segment(meta.RequesterID), segment(meta.FileName))
}

func segment(s string) string {
	seg := url.PathEscape(s)
	switch seg {
	case "":
		return "_"
	case ".", "..":
		return strings.ReplaceAll(seg, ".", "%2E")
	}
	return seg
}

// DeliverSmall writes the artifact to the outbox.
func (r *Router) DeliverSmall(ctx context.Context, data []byte, meta capture.DeliveryMeta) error {
	p := objectPath(r.cfg.OutboxPrefix, meta)
	uri, err := r.deps.Outbox.PutObject(ctx, p, meta.ContentType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write outbox object: %w", err)
	}
	ev := r.event(meta)
	ev.Inline = true
	ev.Location = uri
	r.publish(ctx, EventDelivered, ev)
	r.log.Info("artifact delivered inline", zap.String("job_id", meta.JobID), zap.String("uri", uri))
	return nil
}

// DeliverLarge writes the artifact to overflow storage and returns a
// download link, signed when a signer is configured.
func (r *Router) DeliverLarge(ctx context.Context, data []byte, meta capture.DeliveryMeta) (string, error) {
	p := objectPath(r.cfg.OverflowPrefix, meta)
	location, err := r.deps.Overflow.PutObject(ctx, p, meta.ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write overflow object: %w", err)
	}
	if r.deps.Signer != nil {
		signed, err := r.deps.Signer.SignURL(p)
		if err != nil {
			return "", fmt.Errorf("sign overflow object: %w", err)
		}
		location = signed
	}
	ev := r.event(meta)
	ev.Location = location
	r.publish(ctx, EventDelivered, ev)
	r.log.Info("artifact delivered by reference", zap.String("job_id", meta.JobID), zap.Int("bytes", meta.ByteSize))
	return location, nil
}

// ReportFailure publishes a failure event carrying the human-readable explanation.
func (r *Router) ReportFailure(ctx context.Context, meta capture.DeliveryMeta, kind capture.Kind, explanation string) error {
	ev := r.event(meta)
	ev.Kind = string(kind)
	ev.Explanation = explanation
	r.log.Info("capture failure reported",
		zap.String("job_id", meta.JobID),
		zap.String("kind", string(kind)),
	)
	if r.deps.Publisher == nil {
		return nil
	}
	if _, err := r.deps.Publisher.Publish(ctx, EventFailed, ev); err != nil {
		return fmt.Errorf("publish failure: %w", err)
	}
	return nil
}

func (r *Router) event(meta capture.DeliveryMeta) Event {
	return Event{
		JobID:       meta.JobID,
		RequesterID: meta.RequesterID,
		DocumentID:  meta.DocumentID,
		FileName:    meta.FileName,
		ContentType: meta.ContentType,
		PageCount:   meta.PageCount,
		ByteSize:    meta.ByteSize,
		At:          r.deps.Clock.Now().UTC(),
	}
}

// publish is best-effort: the artifact is already stored.
func (r *Router) publish(ctx context.Context, event string, ev Event) {
	if r.deps.Publisher == nil {
		return
	}
	if _, err := r.deps.Publisher.Publish(ctx, event, ev); err != nil {
		r.log.Warn("publish delivery event", zap.String("job_id", ev.JobID), zap.Error(err))
	}
}

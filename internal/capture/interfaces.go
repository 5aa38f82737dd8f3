package capture

import (
	"context"
	"errors"
	"time"
)

// Signature is one structural pattern used to discover an element in a
// third-party page. A match requires the CSS selector to match a visible
// element and, when Labels is non-empty, its visible label to contain one of
// the labels (case-insensitive).
type Signature struct {
	Name     string
	Selector string
	Labels   []string
}

// Element is a handle to a discovered element. Selector uniquely addresses the
// element for the lifetime of the current document.
type Element struct {
	Selector string
	Label    string
	Disabled bool
}

// Viewer exposes the rendering primitives the gate machine and the pager are
// written against.
type Viewer interface {
	// Navigate loads url in the session tab.
	Navigate(ctx context.Context, url string) error
	// Reset reloads the document so that it shows its first page.
	Reset(ctx context.Context) error
	// Query returns the first visible element matching sig.
	Query(ctx context.Context, sig Signature) (Element, bool, error)
	// Fill replaces the value of an input element.
	Fill(ctx context.Context, el Element, value string) error
	// Click activates an element.
	Click(ctx context.Context, el Element) error
	// Submit submits the form enclosing el through its native submission path.
	// It reports false when el has no enclosing form.
	Submit(ctx context.Context, el Element) (bool, error)
	// Text returns the visible text of the first element matching sig, or "".
	Text(ctx context.Context, sig Signature) (string, error)
	// HideChrome hides every element matching the selectors.
	HideChrome(ctx context.Context, selectors []string) error
	// Screenshot captures the full viewport as an encoded image.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Session is one exclusively owned browser engine, context, and tab.
type Session interface {
	Viewer
	// Close tears the session down page first, then context, then engine.
	Close(ctx context.Context) error
}

// SessionFactory opens fresh capture sessions.
type SessionFactory interface {
	Open(ctx context.Context) (Session, error)
}

// Errors returned by CodeSource implementations.
var (
	ErrCodeTimeout = errors.New("one-time code not received before deadline")
	ErrMailboxAuth = errors.New("mailbox authentication failed")
)

// CodeSource retrieves one-time verification codes.
type CodeSource interface {
	OneTimeCode(ctx context.Context, deadline time.Time) (string, error)
}

// Notifier receives best-effort phase reports. Implementations must not block.
type Notifier interface {
	Notify(jobID string, phase Phase, details map[string]string)
}

// Deliverer hands finished artifacts and failures to the requester.
type Deliverer interface {
	DeliverSmall(ctx context.Context, data []byte, meta DeliveryMeta) error
	DeliverLarge(ctx context.Context, data []byte, meta DeliveryMeta) (string, error)
	ReportFailure(ctx context.Context, meta DeliveryMeta, kind Kind, explanation string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// CancelFlag is observed by long-running phases at their suspension points.
type CancelFlag interface {
	Cancelled() bool
}

// NeverCancelled is a CancelFlag that is never raised.
type NeverCancelled struct{}

// Cancelled always reports false.
func (NeverCancelled) Cancelled() bool { return false }

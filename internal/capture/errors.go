package capture

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a job failure for reporting.
type Kind string

// Failure kinds surfaced to requesters.
const (
	KindUnknown                  Kind = "Unknown"
	KindInvalidLocator           Kind = "InvalidLocator"
	KindInvalidPages             Kind = "InvalidPages"
	KindAuthTimeout              Kind = "AuthTimeout"
	KindCredentialMismatch       Kind = "CredentialMismatch"
	KindOtpTimeout               Kind = "OtpTimeout"
	KindConsentBlocked           Kind = "ConsentBlocked"
	KindUnsupportedGate          Kind = "UnsupportedGate"
	KindAutomationBlocked        Kind = "AutomationBlocked"
	KindDocumentExpiredOrMissing Kind = "DocumentExpiredOrMissing"
	KindPageCaptureFailed        Kind = "PageCaptureFailed"
	KindAssemblyFailed           Kind = "AssemblyFailed"
	KindDeliveryFailed           Kind = "DeliveryFailed"
	KindRateLimited              Kind = "RateLimited"
	KindCancelled                Kind = "Cancelled"
	KindResourceInitFailed       Kind = "ResourceInitFailed"
)

var explanations = map[Kind]string{
	KindInvalidLocator:           "The document link is not a recognized viewer link.",
	KindInvalidPages:             "The page selection could not be parsed; use numbers and ranges like 1,3-5.",
	KindAuthTimeout:              "The viewer did not become ready before the authentication deadline.",
	KindCredentialMismatch:       "The viewer rejected the configured identity or verification code.",
	KindOtpTimeout:               "No verification code arrived in the mailbox in time.",
	KindConsentBlocked:           "A consent prompt appeared but no accept control could be found.",
	KindUnsupportedGate:          "The viewer asked for an authentication step that is not supported.",
	KindAutomationBlocked:        "The viewer blocked automated access.",
	KindDocumentExpiredOrMissing: "The document no longer exists or its link has expired.",
	KindPageCaptureFailed:        "A page could not be captured, so no document was produced.",
	KindAssemblyFailed:           "The captured pages could not be assembled into a document.",
	KindDeliveryFailed:           "The document was produced but could not be delivered.",
	KindRateLimited:              "Too many captures are running or you started one too recently.",
	KindCancelled:                "The capture was cancelled.",
	KindResourceInitFailed:       "The capture browser could not be started.",
}

// Explain returns a human-readable explanation of the failure kind.
func (k Kind) Explain() string {
	if msg, ok := explanations[k]; ok {
		return msg
	}
	return "The capture failed for an unexpected reason."
}

// Error is a classified failure raised by a capture component.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields a bare classified error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so callers can write errors.Is(err, capture.ErrCancelled).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidLocator     = &Error{Kind: KindInvalidLocator}
	ErrInvalidPages       = &Error{Kind: KindInvalidPages}
	ErrCredentialMismatch = &Error{Kind: KindCredentialMismatch}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
)

// KindOf classifies any error. Context cancellation maps to Cancelled; other
// unclassified errors map to Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

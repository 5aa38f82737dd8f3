// Package capturetest provides a scripted in-memory viewer and collaborator
// fakes for exercising the gate machine, pager, and orchestrator without a
// browser.
package capturetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Selectors rendered by the fake viewer. The default gate and pager catalogs
// recognize each of them.
const (
	EmailInputSelector   = `input[type="email"]`
	OTPInputSelector     = `input[autocomplete="one-time-code"]`
	SubmitSelector       = `button[type="submit"]`
	AlertSelector        = `[role="alert"]`
	DialogSelector       = `[role="dialog"]`
	ConsentSelector      = `[role="dialog"] button`
	ButtonSelector       = `button`
	CaptchaSelector      = `iframe[src*="captcha"]`
	PasswordSelector     = `input[type="password"]`
	BodySelector         = `body`
	PageSelector         = `[data-page-number]`
	CounterSelector      = `.page-counter`
	NextSelector         = `button[aria-label="Next page"]`
	PreviousSelector     = `button[aria-label="Previous page"]`
	DefaultConsentLabel  = "I agree"
	defaultSubmitLabel   = "Continue"
	emailRejectionText   = "This email address is not authorized to view this document"
	codeRejectionText    = "The code you entered is invalid"
	expiredText          = "This document has expired and is no longer available"
	consentPromptText    = "We use cookies. Please accept the terms of use to continue"
	captchaFrameLabel    = "captcha challenge"
	passwordGateText     = "password"
	screenshotPixelWidth = 64
	screenshotPixelHigh  = 36
)

// Gate identifies one scripted gate.
type Gate int

// Scripted gates.
const (
	GateEmail Gate = iota + 1
	GateOTP
	GateConsent
	GateCaptcha
	GateExpired
	GatePassword
)

// Doc scripts the behavior of one fake gated document.
type Doc struct {
	Pages int
	// Counter renders an "n / N" page counter when true.
	Counter bool
	// DisableNextAtEnd keeps the next control visible but disabled on the last page.
	DisableNextAtEnd bool
	// Gates are presented in order until each is resolved.
	Gates []Gate
	// AcceptedEmail, when set, is the only identity the email gate accepts.
	AcceptedEmail string
	// AcceptedCode, when set, is the only code the OTP gate accepts.
	AcceptedCode string
	// ConsentLabel labels the consent control (default "I agree").
	ConsentLabel string
	// NoForm renders gate inputs outside a form so native submission is unavailable.
	NoForm bool
	// FailShotAt makes the screenshot of that page fail.
	FailShotAt int
	// FailNavigate makes navigation fail.
	FailNavigate error
	// BeforeShot is invoked before every screenshot with the current page.
	BeforeShot func(page int)
	// BodyText is added to the page text whenever no gate is shown.
	BodyText string
	// PasswordField renders a password input next to the document content.
	PasswordField bool
	// StrayButton, when set, labels a button rendered outside the consent prompt.
	StrayButton string
	// ReloadMisses is how many queries after Reset find nothing while the
	// viewer reloads.
	ReloadMisses int
	// ReloadGate is shown again once after the first Reset.
	ReloadGate Gate
}

// Viewer is a scripted capture.Session.
type Viewer struct {
	doc Doc

	mu            sync.Mutex
	navigated     bool
	gateIdx       int
	page          int
	values        map[string]string
	emailRejected bool
	codeRejected  bool
	closed        bool
	closeCalls    int
	resets        int
	shots         []int
	hidden        []string
	clicks        []string
	submittedVia  []string
	loading       int
	reloadGated   bool
}

// NewViewer builds a viewer for doc.
func NewViewer(doc Doc) *Viewer {
	if doc.ConsentLabel == "" {
		doc.ConsentLabel = DefaultConsentLabel
	}
	doc.Gates = append([]Gate(nil), doc.Gates...)
	return &Viewer{doc: doc, page: 1, values: make(map[string]string)}
}

type fakeElement struct {
	selector string
	label    string
	disabled bool
}

func (v *Viewer) currentGate() Gate {
	if v.gateIdx < len(v.doc.Gates) {
		return v.doc.Gates[v.gateIdx]
	}
	return 0
}

// elements lists what is currently rendered. Callers hold v.mu.
func (v *Viewer) elements() []fakeElement {
	if !v.navigated || v.loading > 0 {
		return nil
	}
	var els []fakeElement
	switch v.currentGate() {
	case GateEmail:
		els = append(els,
			fakeElement{selector: EmailInputSelector, label: "Email address"},
			fakeElement{selector: SubmitSelector, label: defaultSubmitLabel},
			fakeElement{selector: ButtonSelector, label: defaultSubmitLabel},
		)
		if v.emailRejected {
			els = append(els, fakeElement{selector: AlertSelector, label: emailRejectionText})
		}
	case GateOTP:
		els = append(els,
			fakeElement{selector: OTPInputSelector, label: "Verification code"},
			fakeElement{selector: SubmitSelector, label: "Verify"},
			fakeElement{selector: ButtonSelector, label: "Verify"},
		)
		if v.codeRejected {
			els = append(els, fakeElement{selector: AlertSelector, label: codeRejectionText})
		}
	case GateConsent:
		els = append(els,
			fakeElement{selector: DialogSelector, label: consentPromptText},
			fakeElement{selector: ConsentSelector, label: v.doc.ConsentLabel},
		)
		if v.doc.StrayButton != "" {
			els = append(els, fakeElement{selector: ButtonSelector, label: v.doc.StrayButton})
		}
	case GateCaptcha:
		els = append(els, fakeElement{selector: CaptchaSelector, label: captchaFrameLabel})
	case GateExpired:
		els = append(els, fakeElement{selector: BodySelector, label: expiredText})
		return els
	case GatePassword:
		els = append(els,
			fakeElement{selector: PasswordSelector, label: passwordGateText},
			fakeElement{selector: SubmitSelector, label: defaultSubmitLabel},
		)
	default:
		if v.doc.BodyText != "" {
			els = append(els, fakeElement{selector: "p", label: v.doc.BodyText})
		}
		if v.doc.Pages <= 0 {
			break
		}
		els = append(els, fakeElement{selector: PageSelector, label: fmt.Sprintf("page %d", v.page)})
		if v.doc.PasswordField {
			els = append(els, fakeElement{selector: PasswordSelector, label: "Account password"})
		}
		if v.doc.Counter {
			els = append(els, fakeElement{selector: CounterSelector, label: fmt.Sprintf("%d / %d", v.page, v.doc.Pages)})
		}
		if v.page < v.doc.Pages {
			els = append(els, fakeElement{selector: NextSelector, label: "Next page"})
		} else if v.doc.DisableNextAtEnd {
			els = append(els, fakeElement{selector: NextSelector, label: "Next page", disabled: true})
		}
		if v.page > 1 {
			els = append(els, fakeElement{selector: PreviousSelector, label: "Previous page"})
		}
	}
	els = append(els, fakeElement{selector: BodySelector, label: v.bodyText(els)})
	return els
}

func (v *Viewer) bodyText(els []fakeElement) string {
	parts := make([]string, 0, len(els))
	for _, el := range els {
		parts = append(parts, el.label)
	}
	return strings.Join(parts, " ")
}

func (v *Viewer) find(selector string, labels []string) (fakeElement, bool) {
	for _, el := range v.elements() {
		if el.selector == selector && capture.LabelMatches(el.label, labels) {
			return el, true
		}
	}
	return fakeElement{}, false
}

// Navigate implements capture.Viewer.
func (v *Viewer) Navigate(_ context.Context, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("session closed")
	}
	if v.doc.FailNavigate != nil {
		return v.doc.FailNavigate
	}
	v.navigated = true
	v.page = 1
	return nil
}

// Reset implements capture.Viewer.
func (v *Viewer) Reset(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("session closed")
	}
	v.resets++
	v.page = 1
	v.loading = v.doc.ReloadMisses
	if v.doc.ReloadGate != 0 && !v.reloadGated {
		v.reloadGated = true
		v.doc.Gates = append(v.doc.Gates[:v.gateIdx], v.doc.ReloadGate)
	}
	return nil
}

// Query implements capture.Viewer.
func (v *Viewer) Query(_ context.Context, sig capture.Signature) (capture.Element, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return capture.Element{}, false, errors.New("session closed")
	}
	if v.loading > 0 {
		v.loading--
		return capture.Element{}, false, nil
	}
	el, ok := v.find(sig.Selector, sig.Labels)
	if !ok {
		return capture.Element{}, false, nil
	}
	return capture.Element{Selector: el.selector, Label: el.label, Disabled: el.disabled}, true, nil
}

// Fill implements capture.Viewer.
func (v *Viewer) Fill(_ context.Context, el capture.Element, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.find(el.Selector, nil); !ok {
		return fmt.Errorf("fill: no element %s", el.Selector)
	}
	v.values[el.Selector] = value
	return nil
}

// Click implements capture.Viewer.
func (v *Viewer) Click(_ context.Context, el capture.Element) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	found, ok := v.find(el.Selector, nil)
	if !ok {
		return fmt.Errorf("click: no element %s", el.Selector)
	}
	v.clicks = append(v.clicks, el.Selector)
	switch {
	case found.disabled:
		return nil
	case el.Selector == NextSelector:
		if v.page < v.doc.Pages {
			v.page++
		}
	case el.Selector == PreviousSelector:
		if v.page > 1 {
			v.page--
		}
	case v.currentGate() == GateConsent && el.Selector == ConsentSelector:
		if capture.LabelMatches(found.label, []string{"agree", "accept", "continue", "ok", "allow"}) {
			v.gateIdx++
		}
	case el.Selector == SubmitSelector || el.Selector == ButtonSelector:
		v.submittedVia = append(v.submittedVia, "click")
		v.resolveCurrentGate()
	}
	return nil
}

// Submit implements capture.Viewer.
func (v *Viewer) Submit(_ context.Context, el capture.Element) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.find(el.Selector, nil); !ok {
		return false, fmt.Errorf("submit: no element %s", el.Selector)
	}
	if v.doc.NoForm {
		return false, nil
	}
	v.submittedVia = append(v.submittedVia, "form")
	v.resolveCurrentGate()
	return true, nil
}

func (v *Viewer) resolveCurrentGate() {
	switch v.currentGate() {
	case GateEmail:
		got := v.values[EmailInputSelector]
		if got == "" || (v.doc.AcceptedEmail != "" && got != v.doc.AcceptedEmail) {
			v.emailRejected = true
			return
		}
		v.emailRejected = false
		v.gateIdx++
	case GateOTP:
		got := v.values[OTPInputSelector]
		if got == "" || (v.doc.AcceptedCode != "" && got != v.doc.AcceptedCode) {
			v.codeRejected = true
			return
		}
		v.codeRejected = false
		v.gateIdx++
	}
}

// Text implements capture.Viewer.
func (v *Viewer) Text(_ context.Context, sig capture.Signature) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	el, ok := v.find(sig.Selector, sig.Labels)
	if !ok {
		return "", nil
	}
	return el.label, nil
}

// HideChrome implements capture.Viewer.
func (v *Viewer) HideChrome(_ context.Context, selectors []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hidden = append(v.hidden, selectors...)
	return nil
}

// Screenshot implements capture.Viewer. Each page renders as a solid color
// derived from its page number.
func (v *Viewer) Screenshot(_ context.Context) ([]byte, error) {
	v.mu.Lock()
	page := v.page
	hook := v.doc.BeforeShot
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, errors.New("session closed")
	}
	if hook != nil {
		hook(page)
	}
	if v.doc.FailShotAt == page {
		return nil, fmt.Errorf("screenshot of page %d failed", page)
	}
	v.mu.Lock()
	v.shots = append(v.shots, page)
	v.mu.Unlock()
	return PageImage(page, screenshotPixelWidth, screenshotPixelHigh), nil
}

// Close implements capture.Session.
func (v *Viewer) Close(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeCalls++
	v.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (v *Viewer) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// CloseCalls reports how many times Close was called.
func (v *Viewer) CloseCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeCalls
}

// Shots lists the page numbers captured so far, in order.
func (v *Viewer) Shots() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.shots...)
}

// Page returns the page currently shown.
func (v *Viewer) Page() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page
}

// Resets reports how many times the viewer was reset to page 1.
func (v *Viewer) Resets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resets
}

// Hidden lists the selectors passed to HideChrome.
func (v *Viewer) Hidden() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.hidden...)
}

// Clicks lists the selectors clicked so far, in order.
func (v *Viewer) Clicks() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.clicks...)
}

// SubmittedVia lists how gate forms were submitted ("form" or "click").
func (v *Viewer) SubmittedVia() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.submittedVia...)
}

// Value returns the value last filled into selector.
func (v *Viewer) Value(selector string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.values[selector]
}

// GatesCleared reports whether every scripted gate was resolved.
func (v *Viewer) GatesCleared() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gateIdx >= len(v.doc.Gates)
}

// PageImage renders a solid-color PNG identifying page.
func PageImage(page, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	c := color.RGBA{R: uint8(page * 40 % 256), G: uint8(page * 90 % 256), B: uint8(page * 150 % 256), A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

package gate

import "github.com/JakeFAU/gated-doc-capture/internal/capture"

// AffirmativeVocabulary labels consent controls that grant consent.
var AffirmativeVocabulary = []string{
	"accept", "agree", "continue", "allow", "i understand", "got it", "proceed", "ok",
}

// Catalog holds the signatures each detector tries, highest priority first.
// AutomationBlockers and Unsupported are structural and outrank Ready.
// ChallengeText, Expired, and UnsupportedHints match loose page text or
// common inputs, so they only apply while no Ready signature matches.
type Catalog struct {
	AutomationBlockers []capture.Signature
	ChallengeText      []capture.Signature
	Expired            []capture.Signature
	EmailInputs        []capture.Signature
	CodeInputs         []capture.Signature
	SubmitControls     []capture.Signature
	Rejections         []capture.Signature
	ConsentPrompts     []capture.Signature
	// ConsentControls are searched inside the matched prompt and matched
	// against the affirmative vocabulary.
	ConsentControls  []string
	Unsupported      []capture.Signature
	UnsupportedHints []capture.Signature
	Ready            []capture.Signature
}

var rejectionWords = []string{
	"not authorized", "unauthorized", "invalid", "incorrect", "wrong", "denied",
	"not allowed", "does not have access", "doesn t have access", "try again",
}

// DefaultCatalog returns signatures covering the common hosted viewers.
func DefaultCatalog() Catalog {
	return Catalog{
		AutomationBlockers: []capture.Signature{
			{Name: "captcha-frame", Selector: `iframe[src*="captcha"]`},
			{Name: "recaptcha-frame", Selector: `iframe[src*="recaptcha"]`},
			{Name: "hcaptcha-frame", Selector: `iframe[src*="hcaptcha"]`},
			{Name: "turnstile-frame", Selector: `iframe[src*="challenges.cloudflare.com"]`},
			{Name: "challenge-form", Selector: `#challenge-form`},
		},
		ChallengeText: []capture.Signature{
			{Name: "challenge-text", Selector: `body`, Labels: []string{
				"verify you are human", "unusual traffic", "are you a robot", "checking your browser",
			}},
		},
		Expired: []capture.Signature{
			{Name: "expired-text", Selector: `body`, Labels: []string{
				"document has expired", "link has expired", "no longer available",
				"page not found", "document not found", "has been removed", "has been deleted",
			}},
		},
		EmailInputs: []capture.Signature{
			{Name: "email-type", Selector: `input[type="email"]`},
			{Name: "email-autocomplete", Selector: `input[autocomplete="email"]`},
			{Name: "email-name", Selector: `input[name*="email" i]`},
			{Name: "email-placeholder", Selector: `input[placeholder*="email" i]`},
		},
		CodeInputs: []capture.Signature{
			{Name: "otp-autocomplete", Selector: `input[autocomplete="one-time-code"]`},
			{Name: "otp-name", Selector: `input[name*="otp" i]`},
			{Name: "code-name", Selector: `input[name*="code" i]`},
			{Name: "code-placeholder", Selector: `input[placeholder*="code" i]`},
			{Name: "numeric-input", Selector: `input[inputmode="numeric"]`},
		},
		SubmitControls: []capture.Signature{
			{Name: "submit-button", Selector: `button[type="submit"]`},
			{Name: "submit-input", Selector: `input[type="submit"]`},
			{Name: "labeled-button", Selector: `button`, Labels: []string{
				"continue", "submit", "verify", "next", "view", "confirm", "sign in", "access",
			}},
			{Name: "labeled-role-button", Selector: `[role="button"]`, Labels: []string{
				"continue", "submit", "verify", "next", "view", "confirm", "sign in", "access",
			}},
		},
		Rejections: []capture.Signature{
			{Name: "alert", Selector: `[role="alert"]`, Labels: rejectionWords},
			{Name: "assertive-live", Selector: `[aria-live="assertive"]`, Labels: rejectionWords},
			{Name: "error-class", Selector: `.error, .error-message, [class*="error" i]`, Labels: rejectionWords},
		},
		ConsentPrompts: []capture.Signature{
			{Name: "dialog", Selector: `[role="dialog"]`, Labels: []string{"cookie", "cookies", "consent", "terms", "privacy"}},
			{Name: "modal", Selector: `[aria-modal="true"]`, Labels: []string{"cookie", "cookies", "consent", "terms", "privacy"}},
			{Name: "onetrust", Selector: `#onetrust-banner-sdk`},
			{Name: "consent-class", Selector: `[class*="consent" i], [id*="consent" i], [class*="cookie-banner" i]`},
		},
		ConsentControls: []string{
			`button`, `[role="button"]`, `input[type="button"]`, `input[type="submit"]`, `a`,
		},
		Unsupported: []capture.Signature{
			{Name: "webauthn", Selector: `[data-testid*="webauthn" i], [id*="webauthn" i]`},
		},
		UnsupportedHints: []capture.Signature{
			{Name: "password", Selector: `input[type="password"]`},
			{Name: "security-key-text", Selector: `body`, Labels: []string{"security key", "passkey", "use your passkey"}},
		},
		Ready: []capture.Signature{
			{Name: "page-number-attr", Selector: `[data-page-number]`},
			{Name: "pdfjs-page", Selector: `.pdfViewer .page`},
			{Name: "document-role", Selector: `[role="document"]`},
			{Name: "page-image", Selector: `img.page-image, img[class*="page" i]`},
			{Name: "slide", Selector: `[class*="slide" i] canvas, [class*="slide" i] img`},
			{Name: "canvas", Selector: `canvas`},
		},
	}
}

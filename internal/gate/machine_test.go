package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/capture/capturetest"
)

func testConfig() Config {
	return Config{
		Identity:      "viewer@example.com",
		OTPTimeout:    200 * time.Millisecond,
		ReadyTimeout:  100 * time.Millisecond,
		Deadline:      2 * time.Second,
		Settle:        time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func openViewer(t *testing.T, doc capturetest.Doc) *capturetest.Viewer {
	t.Helper()
	v := capturetest.NewViewer(doc)
	require.NoError(t, v.Navigate(context.Background(), "https://viewer.example.com/view/abc123"))
	return v
}

func TestClearGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		doc       capturetest.Doc
		codes     capture.CodeSource
		wantState State
		wantKind  capture.Kind
	}{
		{
			name:      "no gate",
			doc:       capturetest.Doc{Pages: 3},
			wantState: Cleared,
		},
		{
			name:      "email gate accepted",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateEmail}, AcceptedEmail: "viewer@example.com"},
			wantState: Cleared,
		},
		{
			name:      "email gate rejected",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateEmail}, AcceptedEmail: "someone@else.com"},
			wantState: EmailSubmitted,
			wantKind:  capture.KindCredentialMismatch,
		},
		{
			name: "email then code then consent",
			doc: capturetest.Doc{
				Pages:         2,
				Gates:         []capturetest.Gate{capturetest.GateEmail, capturetest.GateOTP, capturetest.GateConsent},
				AcceptedEmail: "viewer@example.com",
				AcceptedCode:  "482913",
			},
			codes:     &capturetest.Codes{Code: "482913"},
			wantState: Cleared,
		},
		{
			name:      "code rejected",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateOTP}, AcceptedCode: "111111"},
			codes:     &capturetest.Codes{Code: "999999"},
			wantState: OtpSubmitted,
			wantKind:  capture.KindCredentialMismatch,
		},
		{
			name:      "code never arrives",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateOTP}},
			codes:     &capturetest.Codes{Code: "123456", Delay: time.Hour},
			wantState: OtpGateVisible,
			wantKind:  capture.KindOtpTimeout,
		},
		{
			name:      "code gate without code source",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateOTP}},
			wantState: OtpGateVisible,
			wantKind:  capture.KindOtpTimeout,
		},
		{
			name:      "consent accepted",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateConsent}},
			wantState: Cleared,
		},
		{
			name:      "consent without affirmative control",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateConsent}, ConsentLabel: "Manage preferences"},
			wantState: ConsentVisible,
			wantKind:  capture.KindConsentBlocked,
		},
		{
			name:      "captcha",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateCaptcha}},
			wantState: NoGate,
			wantKind:  capture.KindAutomationBlocked,
		},
		{
			name:      "expired document",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateExpired}},
			wantState: NoGate,
			wantKind:  capture.KindDocumentExpiredOrMissing,
		},
		{
			name:      "password gate",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GatePassword}},
			wantState: NoGate,
			wantKind:  capture.KindUnsupportedGate,
		},
		{
			name:      "ready page mentioning unavailability",
			doc:       capturetest.Doc{Pages: 2, BodyText: "the legacy plan is no longer available to new customers"},
			wantState: Cleared,
		},
		{
			name:      "ready page mentioning unusual traffic",
			doc:       capturetest.Doc{Pages: 2, BodyText: "flag unusual traffic from new regions"},
			wantState: Cleared,
		},
		{
			name:      "ready page mentioning passkeys",
			doc:       capturetest.Doc{Pages: 2, BodyText: "Roll out passkey sign-in to every team"},
			wantState: Cleared,
		},
		{
			name:      "ready page with password field",
			doc:       capturetest.Doc{Pages: 2, PasswordField: true},
			wantState: Cleared,
		},
		{
			name:      "challenge text without content",
			doc:       capturetest.Doc{BodyText: "Please verify you are human"},
			wantState: NoGate,
			wantKind:  capture.KindAutomationBlocked,
		},
		{
			name:      "not found text without content",
			doc:       capturetest.Doc{BodyText: "Page not found"},
			wantState: NoGate,
			wantKind:  capture.KindDocumentExpiredOrMissing,
		},
		{
			name:      "consent ignores buttons outside the prompt",
			doc:       capturetest.Doc{Pages: 2, Gates: []capturetest.Gate{capturetest.GateConsent}, StrayButton: "Continue"},
			wantState: Cleared,
		},
		{
			name: "consent prompt without affirmative control beside one",
			doc: capturetest.Doc{
				Pages:        2,
				Gates:        []capturetest.Gate{capturetest.GateConsent},
				ConsentLabel: "Manage preferences",
				StrayButton:  "OK",
			},
			wantState: ConsentVisible,
			wantKind:  capture.KindConsentBlocked,
		},
		{
			name:      "blank viewer",
			doc:       capturetest.Doc{Pages: 0},
			wantState: NoGate,
			wantKind:  capture.KindAuthTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v := openViewer(t, tc.doc)
			m := New(testConfig(), DefaultCatalog(), tc.codes, zap.NewNop())

			state, err := m.ClearGates(context.Background(), v, nil)
			assert.Equal(t, tc.wantState, state)
			if tc.wantKind == "" {
				require.NoError(t, err)
				assert.True(t, v.GatesCleared())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, capture.KindOf(err), "error: %v", err)
		})
	}
}

func TestClearGatesFallsBackToSubmitControlWithoutForm(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{
		Pages:         1,
		Gates:         []capturetest.Gate{capturetest.GateEmail},
		AcceptedEmail: "viewer@example.com",
		NoForm:        true,
	})
	m := New(testConfig(), DefaultCatalog(), nil, zap.NewNop())

	state, err := m.ClearGates(context.Background(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, Cleared, state)
	assert.Equal(t, []string{"click"}, v.SubmittedVia())
	assert.Equal(t, "viewer@example.com", v.Value(capturetest.EmailInputSelector))
}

func TestClearGatesPrefersNativeSubmission(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{
		Pages:         1,
		Gates:         []capturetest.Gate{capturetest.GateEmail},
		AcceptedEmail: "viewer@example.com",
	})
	m := New(testConfig(), DefaultCatalog(), nil, zap.NewNop())

	_, err := m.ClearGates(context.Background(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"form"}, v.SubmittedVia())
}

func TestClearGatesClicksOnlyInsideConsentPrompt(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{
		Pages:       1,
		Gates:       []capturetest.Gate{capturetest.GateConsent},
		StrayButton: "OK",
	})
	m := New(testConfig(), DefaultCatalog(), nil, zap.NewNop())

	state, err := m.ClearGates(context.Background(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, Cleared, state)
	assert.Equal(t, []string{capturetest.ConsentSelector}, v.Clicks())
}

func TestClearGatesWithoutIdentity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Identity = ""
	v := openViewer(t, capturetest.Doc{Pages: 1, Gates: []capturetest.Gate{capturetest.GateEmail}})

	_, err := New(cfg, DefaultCatalog(), nil, zap.NewNop()).ClearGates(context.Background(), v, nil)
	assert.Equal(t, capture.KindCredentialMismatch, capture.KindOf(err))
}

func TestClearGatesObservesCancelFlagDuringCodeWait(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 1, Gates: []capturetest.Gate{capturetest.GateOTP}})
	cfg := testConfig()
	cfg.OTPTimeout = time.Minute
	cfg.Deadline = time.Minute
	m := New(cfg, DefaultCatalog(), &capturetest.Codes{Code: "1", Delay: time.Hour}, zap.NewNop())

	flag := &capturetest.Flag{}
	time.AfterFunc(30*time.Millisecond, flag.Raise)

	start := time.Now()
	_, err := m.ClearGates(context.Background(), v, flag)
	assert.Equal(t, capture.KindCancelled, capture.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClearGatesStopsAtDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReadyTimeout = time.Hour
	cfg.Deadline = 50 * time.Millisecond
	v := openViewer(t, capturetest.Doc{Pages: 0})

	_, err := New(cfg, DefaultCatalog(), nil, zap.NewNop()).ClearGates(context.Background(), v, nil)
	assert.Equal(t, capture.KindAuthTimeout, capture.KindOf(err))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "OtpSubmitted", OtpSubmitted.String())
	assert.Equal(t, "Cleared", Cleared.String())
	assert.Equal(t, "Unknown", State(42).String())
}

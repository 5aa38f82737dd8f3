// Package gate drives a freshly opened viewer through email, one-time-code,
// and consent gates until document content is rendered.
package gate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/logging"
)

// State is the authentication progress of one session.
type State int

// Authentication states.
const (
	NoGate State = iota
	EmailGateVisible
	EmailSubmitted
	OtpGateVisible
	OtpSubmitted
	ConsentVisible
	Cleared
)

func (s State) String() string {
	switch s {
	case NoGate:
		return "NoGate"
	case EmailGateVisible:
		return "EmailGateVisible"
	case EmailSubmitted:
		return "EmailSubmitted"
	case OtpGateVisible:
		return "OtpGateVisible"
	case OtpSubmitted:
		return "OtpSubmitted"
	case ConsentVisible:
		return "ConsentVisible"
	case Cleared:
		return "Cleared"
	default:
		return "Unknown"
	}
}

// Config holds gate machine configuration.
type Config struct {
	// Identity is the viewer email submitted to email gates.
	Identity string
	// MaxEmailAttempts bounds email submissions before the gate counts as rejected.
	MaxEmailAttempts int
	// MaxCodeAttempts bounds code submissions before the gate counts as rejected.
	MaxCodeAttempts int
	// MaxConsentClicks bounds consent activations before the prompt counts as blocked.
	MaxConsentClicks int
	// OTPTimeout bounds one code retrieval.
	OTPTimeout time.Duration
	// ReadyTimeout bounds how long the viewer may show neither a gate nor content.
	ReadyTimeout time.Duration
	// Deadline bounds the whole ClearGates call.
	Deadline time.Duration
	// Settle is the pause after every transition.
	Settle time.Duration
	// PollInterval is the pause between polls while nothing is recognized.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEmailAttempts <= 0 {
		c.MaxEmailAttempts = 2
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 2
	}
	if c.MaxConsentClicks <= 0 {
		c.MaxConsentClicks = 3
	}
	if c.OTPTimeout <= 0 {
		c.OTPTimeout = 2 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 4 * time.Minute
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

type detection int

const (
	detectNone detection = iota
	detectAutomation
	detectExpired
	detectEmail
	detectCode
	detectConsent
	detectUnsupported
	detectReady
)

func (d detection) String() string {
	return [...]string{"none", "automation", "expired", "email", "code", "consent", "unsupported", "ready"}[d]
}

type detector struct {
	kind       detection
	signatures []capture.Signature
}

// Machine clears authentication gates. A Machine holds no per-session state
// and may be shared; ClearGates is safe for concurrent use on distinct viewers.
type Machine struct {
	cfg       Config
	catalog   Catalog
	detectors []detector
	codes     capture.CodeSource
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Machine. codes may be nil when no mailbox is configured.
func New(cfg Config, catalog Catalog, codes capture.CodeSource, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		cfg:     cfg.withDefaults(),
		catalog: catalog,
		codes:   codes,
		logger:  logger.Named("gate"),
		now:     time.Now,
	}
	m.detectors = []detector{
		{kind: detectAutomation, signatures: catalog.AutomationBlockers},
		{kind: detectEmail, signatures: catalog.EmailInputs},
		{kind: detectCode, signatures: catalog.CodeInputs},
		{kind: detectConsent, signatures: catalog.ConsentPrompts},
		{kind: detectUnsupported, signatures: catalog.Unsupported},
		{kind: detectReady, signatures: catalog.Ready},
		// Text heuristics below only run once Ready has not matched.
		{kind: detectAutomation, signatures: catalog.ChallengeText},
		{kind: detectExpired, signatures: catalog.Expired},
		{kind: detectUnsupported, signatures: catalog.UnsupportedHints},
	}
	return m
}

// WithLogger returns a copy of m that logs through logger.
func (m *Machine) WithLogger(logger *zap.Logger) *Machine {
	clone := *m
	clone.logger = logger.Named("gate")
	return &clone
}

// run carries the mutable state of one ClearGates call.
type run struct {
	m             *Machine
	viewer        capture.Viewer
	flag          capture.CancelFlag
	state         State
	deadline      time.Time
	idleSince     time.Time
	emailAttempts int
	codeAttempts  int
	consentClicks int
}

// ClearGates polls the viewer repeatedly and resolves whichever gate is
// showing until ready content appears. It returns Cleared on success; on
// failure it returns the last state reached and a classified error.
func (m *Machine) ClearGates(ctx context.Context, viewer capture.Viewer, flag capture.CancelFlag) (State, error) {
	if flag == nil {
		flag = capture.NeverCancelled{}
	}
	now := m.now()
	r := &run{
		m:         m,
		viewer:    viewer,
		flag:      flag,
		state:     NoGate,
		deadline:  now.Add(m.cfg.Deadline),
		idleSince: now,
	}
	for {
		if err := r.checkpoint(ctx); err != nil {
			return r.state, err
		}
		kind, el := m.detect(ctx, viewer)
		m.logger.Debug("detect", zap.String("detected", kind.String()), zap.Stringer("state", r.state))

		var err error
		switch kind {
		case detectAutomation:
			return r.state, capture.Errorf(capture.KindAutomationBlocked, "clear gates", "automation challenge shown")
		case detectExpired:
			return r.state, capture.Errorf(capture.KindDocumentExpiredOrMissing, "clear gates", "viewer reports the document is unavailable")
		case detectEmail:
			err = r.handleEmail(ctx, el)
		case detectCode:
			err = r.handleCode(ctx, el)
		case detectConsent:
			err = r.handleConsent(ctx, el)
		case detectUnsupported:
			return r.state, capture.Errorf(capture.KindUnsupportedGate, "clear gates", "unsupported authentication step %q", el.Label)
		case detectReady:
			m.logger.Info("gates cleared", zap.Stringer("from", r.state))
			r.state = Cleared
			return Cleared, nil
		default:
			err = r.idle(ctx)
		}
		if err != nil {
			return r.state, err
		}
	}
}

// Reclear clears gates shown again after the viewer reloads.
func (m *Machine) Reclear(ctx context.Context, viewer capture.Viewer, flag capture.CancelFlag) error {
	_, err := m.ClearGates(ctx, viewer, flag)
	return err
}

// detect runs the detectors in priority order. The first signature that
// matches wins; detector errors are logged and skipped.
func (m *Machine) detect(ctx context.Context, v capture.Viewer) (detection, capture.Element) {
	for _, d := range m.detectors {
		for _, sig := range d.signatures {
			el, ok, err := v.Query(ctx, sig)
			if err != nil {
				m.logger.Debug("detector failed",
					zap.String("detector", d.kind.String()),
					zap.String("signature", sig.Name),
					zap.Error(err),
				)
				continue
			}
			if ok {
				return d.kind, el
			}
		}
	}
	return detectNone, capture.Element{}
}

func (m *Machine) firstMatch(ctx context.Context, v capture.Viewer, sigs []capture.Signature) (capture.Element, bool) {
	for _, sig := range sigs {
		el, ok, err := v.Query(ctx, sig)
		if err != nil {
			m.logger.Debug("query failed", zap.String("signature", sig.Name), zap.Error(err))
			continue
		}
		if ok {
			return el, true
		}
	}
	return capture.Element{}, false
}

func (r *run) checkpoint(ctx context.Context) error {
	if r.flag.Cancelled() {
		return capture.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return capture.Wrap(capture.KindCancelled, "clear gates", err)
		}
		return capture.Wrap(capture.KindAuthTimeout, "clear gates", err)
	}
	if !r.m.now().Before(r.deadline) {
		return capture.Errorf(capture.KindAuthTimeout, "clear gates", "deadline of %s exceeded in state %s", r.m.cfg.Deadline, r.state)
	}
	return nil
}

// settle pauses after a transition and restarts the idle window.
func (r *run) settle(ctx context.Context) error {
	if err := capture.Sleep(ctx, r.m.cfg.Settle, r.flag); err != nil {
		return r.classifyWait(err)
	}
	r.idleSince = r.m.now()
	return nil
}

func (r *run) idle(ctx context.Context) error {
	if r.m.now().Sub(r.idleSince) >= r.m.cfg.ReadyTimeout {
		return capture.Errorf(capture.KindAuthTimeout, "clear gates",
			"no gate and no content recognized within %s after state %s", r.m.cfg.ReadyTimeout, r.state)
	}
	if err := capture.Sleep(ctx, r.m.cfg.PollInterval, r.flag); err != nil {
		return r.classifyWait(err)
	}
	return nil
}

func (r *run) classifyWait(err error) error {
	if capture.KindOf(err) == capture.KindCancelled {
		return err
	}
	return capture.Wrap(capture.KindAuthTimeout, "clear gates", err)
}

func (r *run) rejected(ctx context.Context) (string, bool) {
	el, ok := r.m.firstMatch(ctx, r.viewer, r.m.catalog.Rejections)
	return el.Label, ok
}

func (r *run) handleEmail(ctx context.Context, input capture.Element) error {
	if r.state == EmailSubmitted {
		if msg, ok := r.rejected(ctx); ok {
			return capture.Errorf(capture.KindCredentialMismatch, "email gate", "identity rejected: %s", msg)
		}
	}
	if r.emailAttempts >= r.m.cfg.MaxEmailAttempts {
		return capture.Errorf(capture.KindCredentialMismatch, "email gate",
			"email gate still shown after %d submissions", r.emailAttempts)
	}
	if r.m.cfg.Identity == "" {
		return capture.Errorf(capture.KindCredentialMismatch, "email gate", "no viewer identity configured")
	}
	r.state = EmailGateVisible
	r.m.logger.Info("submitting viewer identity",
		logging.Redacted("identity", r.m.cfg.Identity),
		zap.Int("attempt", r.emailAttempts+1),
	)
	if err := r.viewer.Fill(ctx, input, r.m.cfg.Identity); err != nil {
		r.m.logger.Warn("fill email failed", zap.Error(err))
		return r.settle(ctx)
	}
	if err := r.submit(ctx, input); err != nil {
		return capture.Wrap(capture.KindUnsupportedGate, "email gate", err)
	}
	r.emailAttempts++
	r.state = EmailSubmitted
	return r.settle(ctx)
}

func (r *run) handleCode(ctx context.Context, input capture.Element) error {
	if r.state == OtpSubmitted {
		if msg, ok := r.rejected(ctx); ok {
			return capture.Errorf(capture.KindCredentialMismatch, "code gate", "code rejected: %s", msg)
		}
	}
	if r.codeAttempts >= r.m.cfg.MaxCodeAttempts {
		return capture.Errorf(capture.KindCredentialMismatch, "code gate",
			"code gate still shown after %d submissions", r.codeAttempts)
	}
	r.state = OtpGateVisible
	code, err := r.fetchCode(ctx)
	if err != nil {
		return err
	}
	r.m.logger.Info("submitting one-time code", logging.Redacted("code", code), zap.Int("attempt", r.codeAttempts+1))
	if err := r.viewer.Fill(ctx, input, code); err != nil {
		r.m.logger.Warn("fill code failed", zap.Error(err))
		return r.settle(ctx)
	}
	if err := r.submit(ctx, input); err != nil {
		return capture.Wrap(capture.KindUnsupportedGate, "code gate", err)
	}
	r.codeAttempts++
	r.state = OtpSubmitted
	return r.settle(ctx)
}

// fetchCode asks the code source for a code, bounded by OTPTimeout and the
// overall deadline. A raised cancel flag aborts the wait.
func (r *run) fetchCode(ctx context.Context) (string, error) {
	if r.m.codes == nil {
		return "", capture.Errorf(capture.KindOtpTimeout, "code gate", "no code source configured")
	}
	deadline := r.m.now().Add(r.m.cfg.OTPTimeout)
	if deadline.After(r.deadline) {
		deadline = r.deadline
	}
	watchCtx, cancel := capture.FlagContext(ctx, r.flag, r.m.cfg.PollInterval)
	defer cancel()

	code, err := r.m.codes.OneTimeCode(watchCtx, deadline)
	switch {
	case r.flag.Cancelled():
		return "", capture.ErrCancelled
	case err == nil && code != "":
		return code, nil
	case err == nil:
		return "", capture.Errorf(capture.KindOtpTimeout, "code gate", "code source returned an empty code")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return "", capture.Wrap(capture.KindCancelled, "code gate", err)
	default:
		return "", capture.Wrap(capture.KindOtpTimeout, "code gate", err)
	}
}

// handleConsent activates an affirmative control inside prompt. Controls
// elsewhere on the page are never clicked.
func (r *run) handleConsent(ctx context.Context, prompt capture.Element) error {
	r.state = ConsentVisible
	if r.consentClicks >= r.m.cfg.MaxConsentClicks {
		return capture.Errorf(capture.KindConsentBlocked, "consent gate",
			"consent prompt still shown after %d activations", r.consentClicks)
	}
	for _, control := range r.m.catalog.ConsentControls {
		selector := prompt.Selector + " " + control
		el, ok, err := r.viewer.Query(ctx, capture.Signature{
			Name:     "consent-control",
			Selector: selector,
			Labels:   AffirmativeVocabulary,
		})
		if err != nil {
			r.m.logger.Debug("consent control query failed", zap.String("selector", selector), zap.Error(err))
			continue
		}
		if !ok || el.Disabled {
			continue
		}
		r.m.logger.Info("granting consent", zap.String("control", el.Label))
		if err := r.viewer.Click(ctx, el); err != nil {
			r.m.logger.Warn("consent click failed", zap.Error(err))
			continue
		}
		r.consentClicks++
		return r.settle(ctx)
	}
	return capture.Errorf(capture.KindConsentBlocked, "consent gate", "no affirmative control inside the prompt")
}

// submit uses the enclosing form's native submission and only falls back to
// clicking a visibly labeled submit control when there is no form.
func (r *run) submit(ctx context.Context, field capture.Element) error {
	submitted, err := r.viewer.Submit(ctx, field)
	if err != nil {
		r.m.logger.Debug("native submit failed", zap.Error(err))
	}
	if submitted {
		return nil
	}
	for _, sig := range r.m.catalog.SubmitControls {
		el, ok, qerr := r.viewer.Query(ctx, sig)
		if qerr != nil || !ok || el.Disabled || el.Label == "" {
			continue
		}
		if cerr := r.viewer.Click(ctx, el); cerr != nil {
			r.m.logger.Debug("submit click failed", zap.String("signature", sig.Name), zap.Error(cerr))
			continue
		}
		return nil
	}
	return errors.New("no form and no labeled submit control")
}

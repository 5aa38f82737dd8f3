package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/admission"
	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/config"
)

type mockApp struct {
	mock.Mock
}

func (m *mockApp) Run(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockApp) CaptureOnce(ctx context.Context, req capture.Request) (capture.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(capture.Result), args.Error(1)
}

func (m *mockApp) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

const testConfigYAML = `
logging:
  level: warn
storage:
  backend: memory
gate:
  identity: viewer@example.com
otp:
  base_url: http://mail.invalid/api
  inbox: viewer@example.com
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))
	return path
}

func useApp(t *testing.T, a App) *config.Config {
	t.Helper()
	var seen config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		seen = cfg
		return a, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &seen
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsApp(t *testing.T) {
	fake := &mockApp{}
	fake.On("Run", mock.Anything).Return(nil)
	fake.On("Close", mock.Anything).Return(nil)
	cfg := useApp(t, fake)

	_, err := execute(t, "serve", "--config", writeConfig(t), "--port", "9191", "--log-level", "debug")
	require.NoError(t, err)
	fake.AssertExpectations(t)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestCapturePrintsResult(t *testing.T) {
	fake := &mockApp{}
	want := capture.Request{
		RequesterID: "ops",
		Locator:     capture.Locator{DocumentID: "abc123"},
		Pages:       []int{1, 3, 4, 5},
	}
	fake.On("CaptureOnce", mock.Anything, mock.MatchedBy(func(req capture.Request) bool {
		return req.RequesterID == want.RequesterID &&
			req.Locator.DocumentID == want.Locator.DocumentID &&
			assert.ObjectsAreEqual(want.Pages, req.Pages)
	})).Return(capture.Result{JobID: "job-1", PageCount: 4, ByteSize: 3, Artifact: []byte("pdf")}, nil)
	fake.On("Close", mock.Anything).Return(nil)
	useApp(t, fake)

	outPath := filepath.Join(t.TempDir(), "doc.pdf")
	stdout, err := execute(t, "capture", "--config", writeConfig(t),
		"--requester", "ops", "--locator", "https://docs.example.com/d/abc123", "--pages", "5,3-4,1", "--out", outPath)
	require.NoError(t, err)
	fake.AssertExpectations(t)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "job-1", got["job_id"])
	assert.EqualValues(t, 4, got["page_count"])
	assert.Equal(t, outPath, got["output"])

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))
}

func TestCaptureReportsFailureKind(t *testing.T) {
	fake := &mockApp{}
	fail := capture.Errorf(capture.KindOtpTimeout, "gate", "no code arrived")
	fake.On("CaptureOnce", mock.Anything, mock.Anything).Return(capture.Result{JobID: "job-2"}, fail)
	fake.On("Close", mock.Anything).Return(nil)
	useApp(t, fake)

	stdout, err := execute(t, "capture", "--config", writeConfig(t), "--locator", "https://docs.example.com/d/abc123")
	require.ErrorIs(t, err, fail)
	fake.AssertExpectations(t)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "OtpTimeout", got["kind"])
	assert.Equal(t, capture.KindOtpTimeout.Explain(), got["explanation"])
}

func TestCaptureReportsAdmissionDenial(t *testing.T) {
	fake := &mockApp{}
	denied := admission.Decision{Kind: capture.KindRateLimited, Reason: admission.ReasonCooldown, RetryAfter: time.Minute}
	fake.On("CaptureOnce", mock.Anything, mock.Anything).Return(capture.Result{}, denied.Err())
	fake.On("Close", mock.Anything).Return(nil)
	useApp(t, fake)

	stdout, err := execute(t, "capture", "--config", writeConfig(t), "--locator", "https://docs.example.com/d/abc123")
	require.ErrorIs(t, err, capture.ErrRateLimited)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "RateLimited", got["kind"])
	assert.Equal(t, capture.KindRateLimited.Explain(), got["explanation"])
}

func TestCaptureRejectsBadInput(t *testing.T) {
	fake := &mockApp{}
	fake.On("Close", mock.Anything).Return(nil)
	useApp(t, fake)

	_, err := execute(t, "capture", "--config", writeConfig(t), "--locator", "https://docs.example.com/d/abc123", "--pages", "0-2")
	require.Error(t, err)
	assert.Equal(t, capture.KindInvalidPages, capture.KindOf(err))
	fake.AssertNotCalled(t, "CaptureOnce", mock.Anything, mock.Anything)
	fake.AssertCalled(t, "Close", mock.Anything)
}

func TestRootFailsOnInvalidConfig(t *testing.T) {
	called := false
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		called = true
		return nil, errors.New("unreachable")
	}
	t.Cleanup(func() { newApp = orig })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: floppy\n"), 0o600))
	_, err := execute(t, "serve", "--config", path)
	require.Error(t, err)
	assert.False(t, called)
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	assert.Error(t, err)
}

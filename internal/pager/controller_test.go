package pager

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/capture/capturetest"
	"github.com/JakeFAU/gated-doc-capture/internal/gate"
)

func newController(maxPages int) *Controller {
	return New(Config{
		MaxPages:        maxPages,
		Settle:          time.Millisecond,
		ChromeSelectors: DefaultChromeSelectors(),
	}, DefaultControls(), zap.NewNop())
}

func openViewer(t *testing.T, doc capturetest.Doc) *capturetest.Viewer {
	t.Helper()
	v := capturetest.NewViewer(doc)
	require.NoError(t, v.Navigate(context.Background(), "https://viewer.example.com/view/abc123"))
	return v
}

func TestParseCounter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text    string
		current int
		total   int
		ok      bool
	}{
		{"3 / 12", 3, 12, true},
		{"Page 3 of 12", 3, 12, true},
		{"3 of 12", 3, 12, true},
		{"Slide 3/12", 3, 12, true},
		{"  1/1 ", 1, 1, true},
		{"13 / 12", 0, 0, false},
		{"page 0 of 4", 0, 0, false},
		{"loading", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range tests {
		current, total, ok := ParseCounter(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.current, current, tc.text)
		assert.Equal(t, tc.total, total, tc.text)
	}
}

func TestCeiling(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HardPageCeiling, newController(0).Ceiling())
	assert.Equal(t, HardPageCeiling, newController(10_000).Ceiling())
	assert.Equal(t, 40, newController(40).Ceiling())
}

func TestPageCountFromCounter(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 12, Counter: true})
	n, err := newController(100).PageCount(context.Background(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, 1, v.Page())
}

func TestPageCountCounterCappedAtCeiling(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 12, Counter: true})
	n, err := newController(5).PageCount(context.Background(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPageCountByNavigationReturnsToFirstPage(t *testing.T) {
	t.Parallel()

	for _, disable := range []bool{false, true} {
		v := openViewer(t, capturetest.Doc{Pages: 4, DisableNextAtEnd: disable})
		n, err := newController(100).PageCount(context.Background(), v, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, 1, v.Page())
	}
}

func TestPageCountByNavigationHonoursCeiling(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 9})
	n, err := newController(3).PageCount(context.Background(), v, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, v.Page())
}

func TestCaptureAllSequential(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3})
	caps, err := newController(100).CaptureAll(context.Background(), v, nil, nil)
	require.NoError(t, err)

	if diff := cmp.Diff([]int{1, 2, 3}, caps.Numbers()); diff != "" {
		t.Fatalf("captured pages mismatch (-want +got):\n%s", diff)
	}
	assert.NotEqual(t, caps[0].Image, caps[1].Image)
	assert.Contains(t, v.Hidden(), `[role="toolbar"]`)
}

func TestCaptureAllSequentialStopsAtCeiling(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 6})
	caps, err := newController(2).CaptureAll(context.Background(), v, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, caps.Numbers())
}

func TestCaptureAllExplicitPages(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 5, Counter: true})
	caps, err := newController(100).CaptureAll(context.Background(), v, []int{4, 2, 4}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4}, caps.Numbers())
	assert.Equal(t, []int{2, 4}, v.Shots())
	assert.Equal(t, 2, v.Resets())
	assert.Equal(t, capturetest.PageImage(4, 64, 36), caps[1].Image)
}

func TestCaptureAllExplicitPageBeyondDocument(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3})
	_, err := newController(100).CaptureAll(context.Background(), v, []int{2, 7}, nil)
	require.Error(t, err)
	assert.Equal(t, capture.KindPageCaptureFailed, capture.KindOf(err))
	assert.Empty(t, v.Shots(), "no page is captured when the selection cannot be satisfied")
}

func TestCaptureAllExplicitPageBeyondCeiling(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 10, Counter: true})
	_, err := newController(3).CaptureAll(context.Background(), v, []int{5}, nil)
	assert.Equal(t, capture.KindPageCaptureFailed, capture.KindOf(err))
}

func TestCaptureAllRejectsInvalidPages(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3})
	_, err := newController(100).CaptureAll(context.Background(), v, []int{0}, nil)
	assert.Equal(t, capture.KindInvalidPages, capture.KindOf(err))
}

func TestCaptureAllAbortsOnScreenshotFailure(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3, FailShotAt: 2})
	caps, err := newController(100).CaptureAll(context.Background(), v, nil, nil)
	assert.Nil(t, caps)
	assert.Equal(t, capture.KindPageCaptureFailed, capture.KindOf(err))
}

func TestCaptureAllObservesCancelFlag(t *testing.T) {
	t.Parallel()

	flag := &capturetest.Flag{}
	v := openViewer(t, capturetest.Doc{Pages: 5, BeforeShot: func(page int) {
		if page == 2 {
			flag.Raise()
		}
	}})
	caps, err := newController(100).CaptureAll(context.Background(), v, nil, flag)
	assert.Nil(t, caps)
	assert.Equal(t, capture.KindCancelled, capture.KindOf(err))
	assert.Equal(t, []int{1, 2}, v.Shots())
}

func TestCaptureAllExplicitPagesWaitsForReload(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 4, Counter: true, ReloadMisses: 6})
	caps, err := newController(100).CaptureAll(context.Background(), v, []int{3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, caps.Numbers())
	assert.Equal(t, 3, v.Page())
}

func TestCaptureAllExplicitPagesReclearsGateAfterReload(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3, Counter: true, ReloadGate: capturetest.GateConsent})
	gates := gate.New(gate.Config{Settle: time.Millisecond, PollInterval: time.Millisecond}, gate.DefaultCatalog(), nil, zap.NewNop())

	caps, err := newController(100).WithGates(gates).CaptureAll(context.Background(), v, []int{2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, caps.Numbers())
	assert.True(t, v.GatesCleared())
}

func TestCaptureAllExplicitPagesFailsWhenReloadNeverShowsContent(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3, Counter: true, ReloadGate: capturetest.GateConsent})
	c := New(Config{
		MaxPages:     100,
		Settle:       time.Millisecond,
		ReadyTimeout: 30 * time.Millisecond,
		Poll:         5 * time.Millisecond,
	}, DefaultControls(), zap.NewNop())

	caps, err := c.CaptureAll(context.Background(), v, []int{2}, nil)
	assert.Nil(t, caps)
	require.ErrorIs(t, err, capture.ErrWaitTimeout)
	assert.Equal(t, capture.KindPageCaptureFailed, capture.KindOf(err))
	assert.Empty(t, v.Shots())
}

func TestCaptureAllKeepsGateKindAfterReload(t *testing.T) {
	t.Parallel()

	v := openViewer(t, capturetest.Doc{Pages: 3, Counter: true, ReloadGate: capturetest.GateCaptcha})
	gates := gate.New(gate.Config{Settle: time.Millisecond, PollInterval: time.Millisecond}, gate.DefaultCatalog(), nil, zap.NewNop())

	_, err := newController(100).WithGates(gates).CaptureAll(context.Background(), v, []int{2}, nil)
	assert.Equal(t, capture.KindAutomationBlocked, capture.KindOf(err))
}
